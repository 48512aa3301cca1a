package ingest

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/reward-settler/internal/errors"
	"github.com/reward-settler/internal/models"
	"github.com/reward-settler/internal/types"
)

// Event is a parsed webhook delivery. Exactly one of Engagement and MiniApp
// is set; both are nil for well-formed events the pipeline does not act on,
// such as a top-level cast.
type Event struct {
	Type       types.EventType
	Engagement *models.EngagementEvent
	MiniApp    *MiniAppEvent
}

// MiniAppEvent is a mini app lifecycle event for one user
type MiniAppEvent struct {
	Type    types.EventType
	FID     int64
	Address string
	Token   string
	URL     string
}

// fidRef accepts {"fid": n} objects
type fidRef struct {
	FID flexInt `json:"fid"`
}

// flexInt decodes numbers and numeric strings
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid fid %q", b)
	}
	*f = flexInt(n)
	return nil
}

// reactionKind decodes 1/2 as well as "like"/"recast"
type reactionKind string

func (r *reactionKind) UnmarshalJSON(b []byte) error {
	switch strings.ToLower(string(bytes.Trim(b, `"`))) {
	case "1", "like":
		*r = "like"
	case "2", "recast":
		*r = "recast"
	default:
		*r = reactionKind(bytes.Trim(b, `"`))
	}
	return nil
}

type notificationDetails struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// envelope covers both the nested provider shape {type, created_at, data}
// and the flat shape {event, fid, ...}
type envelope struct {
	ID        string          `json:"id"`
	EventID   string          `json:"event_id"`
	Type      string          `json:"type"`
	Event     string          `json:"event"`
	CreatedAt json.RawMessage `json:"created_at"`
	Data      json.RawMessage `json:"data"`

	// Flat shape
	FID                 flexInt              `json:"fid"`
	TargetFID           flexInt              `json:"targetFid"`
	CastHash            string               `json:"castHash"`
	CastAuthorFID       flexInt              `json:"castAuthorFid"`
	ParentHash          string               `json:"parentHash"`
	ParentFID           flexInt              `json:"parentFid"`
	Hash                string               `json:"hash"`
	ReactionType        reactionKind         `json:"reactionType"`
	UserAddress         string               `json:"userAddress"`
	NotificationDetails *notificationDetails `json:"notificationDetails"`
	Timestamp           json.RawMessage      `json:"timestamp"`

	// Signed mini app envelope
	Header    string `json:"header"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

type castData struct {
	Hash         string `json:"hash"`
	ParentHash   string `json:"parent_hash"`
	Author       fidRef `json:"author"`
	ParentAuthor fidRef `json:"parent_author"`
	Timestamp    string `json:"timestamp"`
}

type reactionData struct {
	ReactionType reactionKind `json:"reaction_type"`
	User         fidRef       `json:"user"`
	Cast         struct {
		Hash   string `json:"hash"`
		Author fidRef `json:"author"`
	} `json:"cast"`
	Timestamp string `json:"timestamp"`
}

type followData struct {
	User       fidRef `json:"user"`
	TargetUser fidRef `json:"target_user"`
	Timestamp  string `json:"timestamp"`
}

type miniAppData struct {
	FID                 flexInt              `json:"fid"`
	UserAddress         string               `json:"userAddress"`
	NotificationDetails *notificationDetails `json:"notificationDetails"`
}

// Parse validates and normalizes a webhook body
func Parse(body []byte) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, apperrors.NewInvalidPayloadError("body is not valid JSON")
	}

	if env.Header != "" && env.Payload != "" {
		return parseSigned(env)
	}

	name := env.Type
	if name == "" {
		name = env.Event
	}
	if name == "" {
		return nil, apperrors.NewInvalidPayloadError("missing event type")
	}
	evType := normalizeType(name)

	explicitID := env.ID
	if explicitID == "" {
		explicitID = env.EventID
	}

	if len(env.Data) > 0 && string(env.Data) != "null" {
		return parseNested(evType, env, explicitID)
	}
	return parseFlat(evType, env, explicitID)
}

func normalizeType(name string) types.EventType {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "frame_added":
		return types.EventMiniAppAdded
	case "frame_removed":
		return types.EventMiniAppRemoved
	}
	return types.EventType(strings.ToLower(strings.TrimSpace(name)))
}

func parseNested(evType types.EventType, env envelope, explicitID string) (*Event, error) {
	out := &Event{Type: evType}
	created := parseTime(env.CreatedAt)

	switch evType {
	case types.EventCastCreated:
		var d castData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, apperrors.NewInvalidPayloadError("malformed cast data")
		}
		out.Engagement = replyEvent(d.Author.FID, d.ParentAuthor.FID, d.Hash, d.ParentHash, firstTime(d.Timestamp, created))
	case types.EventReactionCreated:
		var d reactionData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, apperrors.NewInvalidPayloadError("malformed reaction data")
		}
		ev, err := reactionEvent(d.ReactionType, d.User.FID, d.Cast.Author.FID, d.Cast.Hash, firstTime(d.Timestamp, created))
		if err != nil {
			return nil, err
		}
		out.Engagement = ev
	case types.EventFollowCreated:
		var d followData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, apperrors.NewInvalidPayloadError("malformed follow data")
		}
		out.Engagement = followEvent(d.User.FID, d.TargetUser.FID, firstTime(d.Timestamp, created))
	case types.EventMiniAppAdded, types.EventMiniAppRemoved, types.EventNotificationsEnabled, types.EventNotificationsDisabled:
		var d miniAppData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, apperrors.NewInvalidPayloadError("malformed mini app data")
		}
		fid := d.FID
		if fid == 0 {
			fid = env.FID
		}
		out.MiniApp = miniAppEvent(evType, fid, d.UserAddress, d.NotificationDetails)
	default:
		return out, nil
	}

	return finish(out, explicitID)
}

func parseFlat(evType types.EventType, env envelope, explicitID string) (*Event, error) {
	out := &Event{Type: evType}
	ts := parseTime(env.Timestamp)

	switch evType {
	case types.EventCastCreated:
		hash := env.Hash
		if hash == "" {
			hash = env.CastHash
		}
		out.Engagement = replyEvent(env.FID, env.ParentFID, hash, env.ParentHash, ts)
	case types.EventReactionCreated:
		ev, err := reactionEvent(env.ReactionType, env.FID, env.CastAuthorFID, env.CastHash, ts)
		if err != nil {
			return nil, err
		}
		out.Engagement = ev
	case types.EventFollowCreated:
		out.Engagement = followEvent(env.FID, env.TargetFID, ts)
	case types.EventMiniAppAdded, types.EventMiniAppRemoved, types.EventNotificationsEnabled, types.EventNotificationsDisabled:
		out.MiniApp = miniAppEvent(evType, env.FID, env.UserAddress, env.NotificationDetails)
	default:
		return out, nil
	}

	return finish(out, explicitID)
}

// parseSigned reads a signed mini app event {header, payload, signature}.
// The header carries the fid; the signature is not verified here.
func parseSigned(env envelope) (*Event, error) {
	rawHeader, err := decodeSegment(env.Header)
	if err != nil {
		return nil, apperrors.NewInvalidPayloadError("malformed signed header")
	}
	rawPayload, err := decodeSegment(env.Payload)
	if err != nil {
		return nil, apperrors.NewInvalidPayloadError("malformed signed payload")
	}

	var header struct {
		FID flexInt `json:"fid"`
	}
	if err := json.Unmarshal(rawHeader, &header); err != nil {
		return nil, apperrors.NewInvalidPayloadError("malformed signed header")
	}
	var payload struct {
		Event               string               `json:"event"`
		NotificationDetails *notificationDetails `json:"notificationDetails"`
	}
	if err := json.Unmarshal(rawPayload, &payload); err != nil {
		return nil, apperrors.NewInvalidPayloadError("malformed signed payload")
	}

	evType := normalizeType(payload.Event)
	out := &Event{Type: evType}
	switch evType {
	case types.EventMiniAppAdded, types.EventMiniAppRemoved, types.EventNotificationsEnabled, types.EventNotificationsDisabled:
		out.MiniApp = miniAppEvent(evType, header.FID, "", payload.NotificationDetails)
	default:
		return nil, apperrors.NewInvalidPayloadError(fmt.Sprintf("unsupported signed event %q", payload.Event))
	}
	return finish(out, "")
}

func decodeSegment(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	return base64.RawURLEncoding.DecodeString(s)
}

func replyEvent(actor, parentAuthor flexInt, hash, parentHash string, ts time.Time) *models.EngagementEvent {
	if parentHash == "" {
		// A top-level cast engages no one
		return nil
	}
	return &models.EngagementEvent{
		Type:           types.EventCastCreated,
		Action:         types.ActionReply,
		ActorFID:       int64(actor),
		TargetFID:      int64(parentAuthor),
		TargetCastHash: strings.ToLower(parentHash),
		CastHash:       strings.ToLower(hash),
		Timestamp:      ts,
	}
}

func reactionEvent(kind reactionKind, actor, author flexInt, castHash string, ts time.Time) (*models.EngagementEvent, error) {
	var action types.Action
	switch kind {
	case "like":
		action = types.ActionLike
	case "recast":
		action = types.ActionRecast
	default:
		return nil, apperrors.NewInvalidPayloadError(fmt.Sprintf("unsupported reaction type %q", kind))
	}
	return &models.EngagementEvent{
		Type:           types.EventReactionCreated,
		Action:         action,
		ActorFID:       int64(actor),
		TargetFID:      int64(author),
		TargetCastHash: strings.ToLower(castHash),
		Timestamp:      ts,
	}, nil
}

func followEvent(actor, target flexInt, ts time.Time) *models.EngagementEvent {
	return &models.EngagementEvent{
		Type:      types.EventFollowCreated,
		Action:    types.ActionFollow,
		ActorFID:  int64(actor),
		TargetFID: int64(target),
		Timestamp: ts,
	}
}

func miniAppEvent(evType types.EventType, fid flexInt, address string, details *notificationDetails) *MiniAppEvent {
	ev := &MiniAppEvent{Type: evType, FID: int64(fid), Address: models.NormalizeAddress(address)}
	if details != nil {
		ev.Token = details.Token
		ev.URL = details.URL
	}
	return ev
}

// finish validates required fields and assigns the event id
func finish(out *Event, explicitID string) (*Event, error) {
	if ev := out.Engagement; ev != nil {
		if ev.ActorFID <= 0 || ev.TargetFID <= 0 {
			return nil, apperrors.NewInvalidPayloadError("engagement is missing actor or target fid")
		}
		switch ev.Action {
		case types.ActionLike, types.ActionRecast:
			if ev.TargetCastHash == "" {
				return nil, apperrors.NewInvalidPayloadError("reaction is missing the cast hash")
			}
		case types.ActionReply:
			if ev.CastHash == "" {
				return nil, apperrors.NewInvalidPayloadError("reply is missing its hash")
			}
		}
		ev.ProviderEventID = explicitID
		if ev.ProviderEventID == "" {
			ev.ProviderEventID = models.NaturalEventID(ev.Action, ev.ActorFID, ev.TargetFID, ev.TargetCastHash, ev.CastHash)
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now().UTC()
		}
	}

	if m := out.MiniApp; m != nil {
		if m.FID <= 0 {
			return nil, apperrors.NewInvalidPayloadError("mini app event is missing fid")
		}
		if m.Address != "" && !models.IsValidAddress(m.Address) {
			return nil, apperrors.NewInvalidAddressError(m.Address)
		}
		needsToken := m.Type == types.EventNotificationsEnabled ||
			(m.Type == types.EventMiniAppAdded && m.Token != "")
		if needsToken && (m.Token == "" || m.URL == "") {
			return nil, apperrors.NewInvalidPayloadError("notification details require url and token")
		}
	}
	return out, nil
}

// parseTime accepts RFC 3339 strings and unix seconds or milliseconds
func parseTime(raw json.RawMessage) time.Time {
	s := strings.Trim(string(raw), `"`)
	if s == "" || s == "null" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC()
		}
		return time.Unix(n, 0).UTC()
	}
	return time.Time{}
}

func firstTime(s string, fallback time.Time) time.Time {
	if s != "" {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC()
		}
	}
	return fallback
}
