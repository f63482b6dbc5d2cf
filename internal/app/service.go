package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"sketchdb/api/internal/assist"
	"sketchdb/api/internal/auth"
	"sketchdb/api/internal/authpw"
	"sketchdb/api/internal/config"
	"sketchdb/api/internal/lease"
	"sketchdb/api/internal/search"
	"sketchdb/api/internal/store"
	"sketchdb/api/internal/util"
)

// contextWindow bounds how many prior turns are replayed to the assistant
// on each dispatch. Fetched newest-first, replayed oldest-first.
const contextWindow = 15

// leaseTTL is how long an acquired or renewed write lease stays valid.
const leaseTTL = 90 * time.Second

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	JTI          string
	ExpiresAt    time.Time
}

type DiagramInput struct {
	Name  string          `json:"name"`
	Nodes json.RawMessage `json:"nodes"`
	Edges json.RawMessage `json:"edges"`
}

type DiagramPatchInput struct {
	Name  *string         `json:"name"`
	Nodes json.RawMessage `json:"nodes"`
	Edges json.RawMessage `json:"edges"`
}

type dataStore interface {
	CreateUser(context.Context, store.User) error
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	InsertDiagram(context.Context, store.Diagram) error
	GetDiagram(context.Context, string) (store.Diagram, error)
	ListDiagrams(context.Context) ([]store.Diagram, error)
	DeleteDiagram(context.Context, string) error
	ReclaimExpiredLease(context.Context, string, time.Time) (bool, error)
	AcquireLease(context.Context, string, string, time.Time, time.Time) (store.Diagram, error)
	ReleaseLease(context.Context, string, string) error
	UpdateDiagramFields(context.Context, string, string, store.DiagramPatch, time.Time) (store.Diagram, error)
	InsertChatMessage(context.Context, store.ChatMessage) error
	ListChatMessages(context.Context, string) ([]store.ChatMessage, error)
	ListRecentChatMessages(context.Context, string, int) ([]store.ChatMessage, error)
	Ping(ctx context.Context) error
}

// sessionStore holds refresh tokens. Backed by Redis when configured,
// Postgres otherwise.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type assistant interface {
	Respond(ctx context.Context, schema string, turns []assist.Turn) (assist.Response, error)
}

type diagramSearch interface {
	Search(q search.Query) search.Response
	IndexDiagram(d search.DiagramRecord)
	DeleteDiagram(id string)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	authpw   *authpw.Service
	assist   assistant
	search   diagramSearch
	now      func() time.Time
}

func New(cfg config.Config, dataStore dataStore, sessions sessionStore, authService *authpw.Service, assistant assistant, searchService *search.Service) *Service {
	svc := &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		authpw:   authService,
		assist:   assistant,
		now:      time.Now,
	}
	if searchService != nil {
		svc.search = searchService
	}
	return svc
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpw
}

// --- sessions ---

func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	// Redis-backed sessions carry only the user ID; reload the full record.
	if user.DisplayName == "" {
		if loaded, err := s.store.GetUserByID(ctx, user.ID); err == nil {
			user = loaded
		}
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// --- diagrams ---

func (s *Service) ListDiagrams(ctx context.Context) ([]map[string]any, error) {
	diagrams, err := s.store.ListDiagrams(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	items := make([]map[string]any, 0, len(diagrams))
	for _, item := range diagrams {
		items = append(items, map[string]any{
			"id":        item.ID,
			"name":      item.Name,
			"ownerId":   item.OwnerID,
			"ownerName": item.OwnerName,
			"updatedAt": item.UpdatedAt,
			"locked":    lease.Evaluate(item.LockedByUserID, item.LockExpiresAt, "", now) == lease.HeldByOther,
		})
	}
	return items, nil
}

func (s *Service) CreateDiagram(ctx context.Context, session Session, input DiagramInput) (map[string]any, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		name = "Untitled Diagram"
	}

	item := store.Diagram{
		ID:      util.NewID("dgm"),
		Name:    name,
		Nodes:   input.Nodes,
		Edges:   input.Edges,
		OwnerID: session.UserID,
	}
	if err := s.store.InsertDiagram(ctx, item); err != nil {
		return nil, err
	}

	created, err := s.store.GetDiagram(ctx, item.ID)
	if err != nil {
		return nil, err
	}

	if s.search != nil {
		s.search.IndexDiagram(search.DiagramRecord{
			ID:        created.ID,
			Name:      created.Name,
			OwnerID:   created.OwnerID,
			OwnerName: created.OwnerName,
		})
	}
	return diagramView(created), nil
}

// GetDiagram loads one diagram, lazily reclaiming a lapsed lease. Reclamation
// clears the lease fields but never grants the lease to the reader; it only
// happens here, on the read path.
func (s *Service) GetDiagram(ctx context.Context, diagramID string) (map[string]any, error) {
	item, err := s.store.GetDiagram(ctx, diagramID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if lease.Reclaimable(item.LockedByUserID, item.LockExpiresAt, now) {
		cleared, err := s.store.ReclaimExpiredLease(ctx, diagramID, now)
		if err != nil {
			return nil, err
		}
		if cleared {
			item.LockedByUserID = nil
			item.LockExpiresAt = nil
		} else {
			// Lost the race to a concurrent renewal; re-read for the
			// current holder.
			item, err = s.store.GetDiagram(ctx, diagramID)
			if err != nil {
				return nil, err
			}
		}
	}
	return diagramView(item), nil
}

func (s *Service) UpdateDiagram(ctx context.Context, session Session, diagramID string, input DiagramPatchInput) (map[string]any, error) {
	patch := store.DiagramPatch{
		Nodes: input.Nodes,
		Edges: input.Edges,
	}
	if input.Name != nil {
		trimmed := strings.TrimSpace(*input.Name)
		if trimmed == "" {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name must not be empty", nil)
		}
		patch.Name = &trimmed
	}
	if patch.Empty() {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "nothing to update", nil)
	}

	updated, err := s.store.UpdateDiagramFields(ctx, diagramID, session.UserID, patch, s.now())
	if err != nil {
		return nil, s.leaseOrPassthrough(err, diagramID, session.UserID)
	}

	if s.search != nil && patch.Name != nil {
		s.search.IndexDiagram(search.DiagramRecord{
			ID:        updated.ID,
			Name:      updated.Name,
			OwnerID:   updated.OwnerID,
			OwnerName: updated.OwnerName,
		})
	}
	return diagramView(updated), nil
}

func (s *Service) DeleteDiagram(ctx context.Context, session Session, diagramID string) error {
	item, err := s.store.GetDiagram(ctx, diagramID)
	if err != nil {
		return err
	}
	if item.OwnerID != session.UserID {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Only the owner can delete a diagram", nil)
	}
	if err := s.store.DeleteDiagram(ctx, diagramID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteDiagram(diagramID)
	}
	return nil
}

// AcquireLease grants or renews the write lease for the caller. A valid lease
// held by another user is the only refusal.
func (s *Service) AcquireLease(ctx context.Context, session Session, diagramID string) (map[string]any, error) {
	now := s.now()
	item, err := s.store.AcquireLease(ctx, diagramID, session.UserID, now.Add(leaseTTL), now)
	if err != nil {
		return nil, s.leaseOrPassthrough(err, diagramID, session.UserID)
	}
	return diagramView(item), nil
}

// ReleaseLease gives up the caller's lease. Always succeeds: releasing a
// lease you no longer hold is indistinguishable from releasing one you do.
func (s *Service) ReleaseLease(ctx context.Context, session Session, diagramID string) error {
	return s.store.ReleaseLease(ctx, diagramID, session.UserID)
}

// leaseOrPassthrough collapses a store lease failure into the single
// external LOCK_INVALID error; the internal cause is logged, never exposed.
func (s *Service) leaseOrPassthrough(err error, diagramID, userID string) error {
	var leaseErr *store.LeaseError
	if errors.As(err, &leaseErr) {
		log.Printf("lease rejected: diagram=%s user=%s cause=%s", diagramID, userID, leaseErr.Cause)
		return domainError(http.StatusConflict, "LOCK_INVALID", "You do not hold a valid write lease for this diagram", nil)
	}
	return err
}

// --- chat ---

func (s *Service) ListChat(ctx context.Context, diagramID string) ([]map[string]any, error) {
	if _, err := s.store.GetDiagram(ctx, diagramID); err != nil {
		return nil, err
	}
	messages, err := s.store.ListChatMessages(ctx, diagramID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(messages))
	for _, msg := range messages {
		items = append(items, chatMessageView(msg))
	}
	return items, nil
}

// DispatchChat runs one conversational turn: persist the user message, replay
// the bounded history to the assistant, classify and persist the reply. The
// user turn is durable before the reasoning call, so an upstream failure
// loses nothing the user typed. schema is the client's optional
// current-schema snapshot; it rides along to the assistant, never stored.
func (s *Service) DispatchChat(ctx context.Context, session Session, diagramID, message, schema string) (map[string]any, error) {
	content := strings.TrimSpace(message)
	if content == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "message must not be empty", nil)
	}

	if _, err := s.store.GetDiagram(ctx, diagramID); err != nil {
		return nil, err
	}

	userTurn := store.ChatMessage{
		ID:        util.NewID("msg"),
		DiagramID: diagramID,
		Role:      store.RoleUser,
		Content:   content,
		CreatedAt: s.now(),
	}
	if err := s.store.InsertChatMessage(ctx, userTurn); err != nil {
		return nil, err
	}

	recent, err := s.store.ListRecentChatMessages(ctx, diagramID, contextWindow)
	if err != nil {
		return nil, err
	}
	turns := make([]assist.Turn, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		turns = append(turns, assist.Turn{Role: recent[i].Role, Content: recent[i].Content})
	}

	// Single attempt. The user turn above is already durable.
	reply, err := s.assist.Respond(ctx, schema, turns)
	if err != nil {
		log.Printf("assist: dispatch failed: diagram=%s: %v", diagramID, err)
		return nil, domainError(http.StatusBadGateway, "UPSTREAM_ERROR", "The assistant is unavailable right now", nil)
	}

	payload := map[string]any{
		"userMessage": chatMessageView(userTurn),
		"type":        reply.Type,
	}

	switch reply.Type {
	case assist.TypeToolCall:
		// Persist the narration only when present; the mutation payload is
		// handed to the client and never stored.
		if strings.TrimSpace(reply.Message) != "" {
			assistantTurn := store.ChatMessage{
				ID:        util.NewID("msg"),
				DiagramID: diagramID,
				Role:      store.RoleAssistant,
				Content:   reply.Message,
				CreatedAt: s.now(),
			}
			if err := s.store.InsertChatMessage(ctx, assistantTurn); err != nil {
				return nil, err
			}
			payload["assistantMessage"] = chatMessageView(assistantTurn)
		}
		payload["toolCall"] = reply.ToolCall
	case assist.TypeMessage:
		if strings.TrimSpace(reply.Message) != "" {
			assistantTurn := store.ChatMessage{
				ID:        util.NewID("msg"),
				DiagramID: diagramID,
				Role:      store.RoleAssistant,
				Content:   reply.Message,
				CreatedAt: s.now(),
			}
			if err := s.store.InsertChatMessage(ctx, assistantTurn); err != nil {
				return nil, err
			}
			payload["assistantMessage"] = chatMessageView(assistantTurn)
		}
	default:
		// Unknown reply types pass through untouched; nothing is appended
		// to the log.
		if reply.Message != "" {
			payload["message"] = reply.Message
		}
		if reply.ToolCall != nil {
			payload["toolCall"] = reply.ToolCall
		}
	}

	return payload, nil
}

// --- search ---

func (s *Service) SearchDiagrams(ctx context.Context, text string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	return s.search.Search(search.Query{Text: text, Limit: limit, Offset: offset}), nil
}

// --- views ---

func diagramView(item store.Diagram) map[string]any {
	nodes := item.Nodes
	if len(nodes) == 0 {
		nodes = json.RawMessage(`[]`)
	}
	edges := item.Edges
	if len(edges) == 0 {
		edges = json.RawMessage(`[]`)
	}
	return map[string]any{
		"id":             item.ID,
		"name":           item.Name,
		"nodes":          nodes,
		"edges":          edges,
		"ownerId":        item.OwnerID,
		"ownerName":      item.OwnerName,
		"createdAt":      item.CreatedAt,
		"updatedAt":      item.UpdatedAt,
		"lockedByUserId": item.LockedByUserID,
		"lockExpiresAt":  item.LockExpiresAt,
	}
}

func chatMessageView(msg store.ChatMessage) map[string]any {
	return map[string]any{
		"id":        msg.ID,
		"diagramId": msg.DiagramID,
		"role":      msg.Role,
		"content":   msg.Content,
		"createdAt": msg.CreatedAt,
	}
}
