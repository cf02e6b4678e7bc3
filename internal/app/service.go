package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cyphire/api/internal/auth"
	"cyphire/api/internal/blob"
	"cyphire/api/internal/config"
	"cyphire/api/internal/errs"
	"cyphire/api/internal/metrics"
	"cyphire/api/internal/rbac"
	"cyphire/api/internal/realtime"
	"cyphire/api/internal/search"
	"cyphire/api/internal/store"
	"cyphire/api/internal/util"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const maxPageSize = 200

type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

type MessageView struct {
	ID           int64              `json:"id"`
	EngagementID string             `json:"engagementId"`
	Sender       Profile            `json:"sender"`
	Text         string             `json:"text"`
	Attachments  []store.Attachment `json:"attachments"`
	CreatedAt    time.Time          `json:"createdAt"`
}

// EngagementState is the handshake state returned by finalise.
type EngagementState struct {
	EngagementID    string     `json:"engagementId"`
	OwnerFinalised  bool       `json:"ownerFinalised"`
	WorkerFinalised bool       `json:"workerFinalised"`
	FinalisedAt     *time.Time `json:"finalisedAt"`
}

type MetaView struct {
	Role string `json:"role"`
	EngagementState
}

type EngagementSummary struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"taskId"`
	Owner     Profile   `json:"owner"`
	Worker    Profile   `json:"worker"`
	CreatedAt time.Time `json:"createdAt"`
	EngagementState
	ExpireAt *time.Time    `json:"expireAt"`
	Messages []MessageView `json:"messages"`
}

type FinalisedPayload struct {
	EngagementID string    `json:"engagementId"`
	FinalisedAt  time.Time `json:"finalisedAt"`
}

type DataStore interface {
	Ping(context.Context) error
	UpsertUser(context.Context, store.User) error
	GetUsers(context.Context, []string) (map[string]store.User, error)
	CreateEngagement(context.Context, store.Engagement) (store.Engagement, error)
	GetEngagement(context.Context, string) (store.Engagement, error)
	Finalise(context.Context, string, bool, bool, time.Duration) (store.FinaliseResult, error)
	AppendMessage(context.Context, store.Message) (store.Message, error)
	ListMessages(context.Context, string, int64, int) ([]store.Message, error)
	GetMessageLog(context.Context, string) (store.MessageLog, error)
}

type BlobStore interface {
	Upload(ctx context.Context, engagementID string, file blob.File) (blob.Object, error)
	Delete(ctx context.Context, key string) error
}

type ProfileCache interface {
	GetMany(context.Context, []string) (map[string]store.User, error)
	SetMany(context.Context, []store.User) error
	Invalidate(context.Context, string) error
}

type MessageSearcher interface {
	Search(context.Context, search.Query) search.Response
	IndexMessage(store.Message)
}

// Deps are the collaborators of Service. Only Store is required.
type Deps struct {
	Store    DataStore
	Blobs    BlobStore
	Profiles ProfileCache
	Events   realtime.Publisher
	Search   MessageSearcher
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

type Service struct {
	cfg      config.Config
	store    DataStore
	blobs    BlobStore
	profiles ProfileCache
	events   realtime.Publisher
	search   MessageSearcher
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func New(cfg config.Config, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New(nil)
	}
	if cfg.ChatRetention <= 0 {
		cfg.ChatRetention = 7 * 24 * time.Hour
	}
	return &Service{
		cfg:      cfg,
		store:    deps.Store,
		blobs:    deps.Blobs,
		profiles: deps.Profiles,
		events:   deps.Events,
		search:   deps.Search,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// loadEngagement fetches the engagement and maps a missing row to NOT_FOUND.
func (s *Service) loadEngagement(ctx context.Context, engagementID string) (store.Engagement, error) {
	if strings.TrimSpace(engagementID) == "" {
		return store.Engagement{}, errNotFound()
	}
	eng, err := s.store.GetEngagement(ctx, engagementID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return store.Engagement{}, errNotFound()
		}
		return store.Engagement{}, err
	}
	return eng, nil
}

func classify(eng store.Engagement, caller auth.Caller) rbac.Kind {
	return rbac.Classify(
		rbac.Parties{OwnerID: eng.OwnerID, WorkerID: eng.WorkerID},
		rbac.Caller{ID: caller.ID, IsAdmin: caller.IsAdmin},
	)
}

// authorize classifies caller once and rejects actions the kind may not take.
func authorize(eng store.Engagement, caller auth.Caller, action rbac.Action) (rbac.Kind, error) {
	kind := classify(eng, caller)
	if !rbac.Can(kind, action) {
		return kind, errForbidden()
	}
	return kind, nil
}

func stateOf(eng store.Engagement) EngagementState {
	return EngagementState{
		EngagementID:    eng.ID,
		OwnerFinalised:  eng.OwnerFinalised,
		WorkerFinalised: eng.WorkerFinalised,
		FinalisedAt:     eng.FinalisedAt,
	}
}

func audienceOf(eng store.Engagement) []string {
	return []string{eng.OwnerID, eng.WorkerID}
}

// OpenEngagement pairs the calling task owner with the selected worker.
func (s *Service) OpenEngagement(ctx context.Context, caller auth.Caller, taskID, workerID string) (EngagementState, error) {
	taskID = strings.TrimSpace(taskID)
	workerID = strings.TrimSpace(workerID)
	if taskID == "" {
		return EngagementState{}, errValidation("taskId is required", nil)
	}
	if workerID == "" || workerID == caller.ID {
		return EngagementState{}, errValidation("invalid party reference", map[string]any{"field": "workerId"})
	}

	s.rememberProfile(ctx, caller)

	eng, err := s.store.CreateEngagement(ctx, store.Engagement{
		ID:       util.NewID("eng"),
		TaskID:   taskID,
		OwnerID:  caller.ID,
		WorkerID: workerID,
	})
	if err != nil {
		if errors.Is(err, errs.ErrAlreadyAssigned) {
			return EngagementState{}, domainError(http.StatusConflict, "ALREADY_ASSIGNED", "Task already has a selected worker", nil)
		}
		return EngagementState{}, err
	}
	s.logger.Info("engagement opened",
		zap.String("engagement_id", eng.ID),
		zap.String("task_id", eng.TaskID),
		zap.String("owner_id", eng.OwnerID),
		zap.String("worker_id", eng.WorkerID))
	return stateOf(eng), nil
}

func (s *Service) GetMeta(ctx context.Context, caller auth.Caller, engagementID string) (MetaView, error) {
	eng, err := s.loadEngagement(ctx, engagementID)
	if err != nil {
		return MetaView{}, err
	}
	kind, err := authorize(eng, caller, rbac.ActionReadMeta)
	if err != nil {
		return MetaView{}, err
	}
	return MetaView{Role: rbac.Role(kind), EngagementState: stateOf(eng)}, nil
}

// Finalise raises the caller's own flag. Only the call that completes the
// handshake stamps the expiry and emits the finalised event.
func (s *Service) Finalise(ctx context.Context, caller auth.Caller, engagementID string) (EngagementState, error) {
	eng, err := s.loadEngagement(ctx, engagementID)
	if err != nil {
		return EngagementState{}, err
	}
	kind, err := authorize(eng, caller, rbac.ActionFinalise)
	if err != nil {
		return EngagementState{}, err
	}

	result, err := s.store.Finalise(ctx, eng.ID, kind == rbac.KindOwner, kind == rbac.KindWorker, s.cfg.ChatRetention)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return EngagementState{}, errNotFound()
		}
		return EngagementState{}, err
	}

	if !result.Transitioned {
		s.metrics.Finalisations.WithLabelValues("recorded").Inc()
		return stateOf(result.Engagement), nil
	}

	s.metrics.Finalisations.WithLabelValues("closed").Inc()
	fields := []zap.Field{
		zap.String("engagement_id", eng.ID),
		zap.Time("finalised_at", *result.Engagement.FinalisedAt),
	}
	if result.ExpireAt != nil {
		fields = append(fields, zap.Time("expire_at", *result.ExpireAt))
	}
	s.logger.Info("engagement finalised", fields...)

	s.broadcast(ctx, realtime.EventFinalised, result.Engagement, FinalisedPayload{
		EngagementID: eng.ID,
		FinalisedAt:  *result.Engagement.FinalisedAt,
	}, "")
	return stateOf(result.Engagement), nil
}

// PostMessage checks existence, then the closed chat, then party membership.
// Files are uploaded before the message is validated and appended; any
// failure after an upload removes what was stored.
func (s *Service) PostMessage(ctx context.Context, caller auth.Caller, engagementID, text string, files []blob.File) (MessageView, error) {
	eng, err := s.loadEngagement(ctx, engagementID)
	if err != nil {
		return MessageView{}, err
	}
	if eng.Finalised() {
		return MessageView{}, errChatClosed()
	}
	if _, err := authorize(eng, caller, rbac.ActionPost); err != nil {
		return MessageView{}, err
	}
	if err := s.checkAttachmentLimits(files); err != nil {
		return MessageView{}, err
	}
	// whitespace-only text counts as empty
	if strings.TrimSpace(text) == "" && len(files) == 0 {
		return MessageView{}, errEmptyMessage()
	}

	objects, err := s.uploadAll(ctx, eng.ID, files)
	if err != nil {
		return MessageView{}, err
	}
	attachments := make([]store.Attachment, 0, len(objects))
	for _, obj := range objects {
		attachments = append(attachments, store.Attachment{
			URL:         obj.URL,
			ID:          obj.ID,
			Type:        classifyAttachment(obj.ContentType),
			Name:        obj.Name,
			Size:        obj.Size,
			ContentType: obj.ContentType,
		})
	}
	if strings.TrimSpace(text) == "" && len(attachments) == 0 {
		s.discardUploads(objects)
		return MessageView{}, errEmptyMessage()
	}

	saved, err := s.store.AppendMessage(ctx, store.Message{
		EngagementID: eng.ID,
		SenderID:     caller.ID,
		Text:         text,
		Attachments:  attachments,
	})
	if err != nil {
		s.discardUploads(objects)
		switch {
		case errors.Is(err, errs.ErrChatClosed):
			return MessageView{}, errChatClosed()
		case errors.Is(err, errs.ErrNotFound):
			return MessageView{}, errNotFound()
		}
		return MessageView{}, err
	}

	s.rememberProfile(ctx, caller)
	s.metrics.MessagesPosted.Inc()
	s.metrics.AttachmentsUploaded.Add(float64(len(attachments)))
	if s.search != nil {
		s.search.IndexMessage(saved)
	}

	view := toMessageView(saved, profileFromCaller(caller))
	s.broadcast(ctx, realtime.EventMessageNew, eng, view, caller.ID)
	return view, nil
}

// GetMessages returns the log in append order. after and limit page through
// it; limit 0 returns the whole log.
func (s *Service) GetMessages(ctx context.Context, caller auth.Caller, engagementID string, after int64, limit int) ([]MessageView, error) {
	eng, err := s.loadEngagement(ctx, engagementID)
	if err != nil {
		return nil, err
	}
	if _, err := authorize(eng, caller, rbac.ActionRead); err != nil {
		return nil, err
	}
	if after < 0 || limit < 0 {
		return nil, errValidation("after and limit must not be negative", nil)
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return s.listMessages(ctx, eng.ID, after, limit)
}

func (s *Service) listMessages(ctx context.Context, engagementID string, after int64, limit int) ([]MessageView, error) {
	messages, err := s.store.ListMessages(ctx, engagementID, after, limit)
	if err != nil {
		return nil, err
	}
	senderIDs := make([]string, 0, len(messages))
	for _, msg := range messages {
		senderIDs = append(senderIDs, msg.SenderID)
	}
	profiles := s.resolveProfiles(ctx, senderIDs)

	views := make([]MessageView, 0, len(messages))
	for _, msg := range messages {
		views = append(views, toMessageView(msg, profiles[msg.SenderID]))
	}
	return views, nil
}

// AdminGetEngagement is the moderation view: parties, handshake state, log
// expiry, and the full message list.
func (s *Service) AdminGetEngagement(ctx context.Context, caller auth.Caller, engagementID string) (EngagementSummary, error) {
	if !caller.IsAdmin {
		return EngagementSummary{}, errForbidden()
	}
	eng, err := s.loadEngagement(ctx, engagementID)
	if err != nil {
		return EngagementSummary{}, err
	}

	var expireAt *time.Time
	log, err := s.store.GetMessageLog(ctx, eng.ID)
	switch {
	case err == nil:
		expireAt = log.ExpireAt
	case errors.Is(err, errs.ErrNotFound):
	default:
		return EngagementSummary{}, err
	}

	messages, err := s.listMessages(ctx, eng.ID, 0, 0)
	if err != nil {
		return EngagementSummary{}, err
	}
	parties := s.resolveProfiles(ctx, []string{eng.OwnerID, eng.WorkerID})
	return EngagementSummary{
		ID:              eng.ID,
		TaskID:          eng.TaskID,
		Owner:           parties[eng.OwnerID],
		Worker:          parties[eng.WorkerID],
		CreatedAt:       eng.CreatedAt,
		EngagementState: stateOf(eng),
		ExpireAt:        expireAt,
		Messages:        messages,
	}, nil
}

// AuthorizeJoin re-validates a realtime join against the current engagement.
func (s *Service) AuthorizeJoin(ctx context.Context, caller auth.Caller, engagementID string) error {
	eng, err := s.loadEngagement(ctx, engagementID)
	if err != nil {
		return err
	}
	_, err = authorize(eng, caller, rbac.ActionJoin)
	return err
}

func (s *Service) SearchMessages(ctx context.Context, caller auth.Caller, q search.Query) (search.Response, error) {
	if !caller.IsAdmin {
		return search.Response{}, errForbidden()
	}
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return search.Response{}, errValidation("q is required", nil)
	}
	if q.Limit <= 0 || q.Limit > maxPageSize {
		q.Limit = 20
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	return s.search.Search(ctx, q), nil
}

func (s *Service) checkAttachmentLimits(files []blob.File) error {
	if s.cfg.MaxAttachments > 0 && len(files) > s.cfg.MaxAttachments {
		return errValidation(fmt.Sprintf("at most %d attachments per message", s.cfg.MaxAttachments), map[string]any{"limit": s.cfg.MaxAttachments})
	}
	if len(files) > 0 && s.blobs == nil {
		return domainError(http.StatusServiceUnavailable, "UPLOAD_UNAVAILABLE", "Attachments are not configured", nil)
	}
	if s.cfg.MaxUploadBytes <= 0 {
		return nil
	}
	var total int64
	for _, f := range files {
		total += f.Size
	}
	if total > s.cfg.MaxUploadBytes {
		return errValidation("attachments too large", map[string]any{"limitBytes": s.cfg.MaxUploadBytes})
	}
	return nil
}

// uploadAll stores every file or none of them.
func (s *Service) uploadAll(ctx context.Context, engagementID string, files []blob.File) ([]blob.Object, error) {
	if len(files) == 0 {
		return nil, nil
	}
	objects := make([]blob.Object, len(files))
	g, gctx := errgroup.WithContext(ctx)
	for i, file := range files {
		g.Go(func() error {
			obj, err := s.blobs.Upload(gctx, engagementID, file)
			if err != nil {
				return err
			}
			objects[i] = obj
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		stored := make([]blob.Object, 0, len(objects))
		for _, obj := range objects {
			if obj.Key != "" {
				stored = append(stored, obj)
			}
		}
		s.discardUploads(stored)
		s.logger.Warn("attachment upload failed", zap.String("engagement_id", engagementID), zap.Error(err))
		return nil, domainError(http.StatusInternalServerError, "UPLOAD_FAILED", "Attachment upload failed", nil)
	}
	return objects, nil
}

// discardUploads removes orphaned objects. It does not use the request
// context, which may already be cancelled.
func (s *Service) discardUploads(objects []blob.Object) {
	if len(objects) == 0 || s.blobs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, obj := range objects {
		if err := s.blobs.Delete(ctx, obj.Key); err != nil {
			s.logger.Warn("orphaned attachment not removed", zap.String("key", obj.Key), zap.Error(err))
		}
	}
}

func classifyAttachment(contentType string) store.AttachmentKind {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	switch {
	case strings.HasPrefix(ct, "image/"):
		return store.AttachmentImage
	case strings.HasPrefix(ct, "video/"):
		return store.AttachmentVideo
	default:
		return store.AttachmentFile
	}
}

// broadcast is best effort; a failed publish never fails the request.
func (s *Service) broadcast(ctx context.Context, typ realtime.EventType, eng store.Engagement, payload any, exclude string) {
	if s.events == nil {
		return
	}
	evt, err := realtime.NewEvent(typ, eng.ID, payload, audienceOf(eng), exclude)
	if err != nil {
		s.logger.Warn("encode realtime event", zap.String("type", string(typ)), zap.Error(err))
		return
	}
	if err := s.events.Publish(context.WithoutCancel(ctx), evt); err != nil {
		s.logger.Warn("realtime publish failed",
			zap.String("type", string(typ)),
			zap.String("engagement_id", eng.ID),
			zap.Error(err))
	}
}

// rememberProfile keeps the users row current from identity claims.
func (s *Service) rememberProfile(ctx context.Context, caller auth.Caller) {
	if caller.Name == "" {
		return
	}
	user := store.User{ID: caller.ID, DisplayName: caller.Name, AvatarURL: caller.AvatarURL}
	if err := s.store.UpsertUser(ctx, user); err != nil {
		s.logger.Warn("profile upsert failed", zap.String("user_id", caller.ID), zap.Error(err))
		return
	}
	if s.profiles != nil {
		if err := s.profiles.Invalidate(ctx, caller.ID); err != nil {
			s.logger.Warn("profile cache invalidate failed", zap.String("user_id", caller.ID), zap.Error(err))
		}
	}
}

// resolveProfiles returns one profile per id: cache first, then the users
// table for misses. Unknown users get a bare profile.
func (s *Service) resolveProfiles(ctx context.Context, ids []string) map[string]Profile {
	unique := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}

	found := make(map[string]store.User, len(unique))
	if s.profiles != nil && len(unique) > 0 {
		cached, err := s.profiles.GetMany(ctx, unique)
		if err != nil {
			s.logger.Warn("profile cache lookup failed", zap.Error(err))
		}
		for id, user := range cached {
			found[id] = user
		}
	}

	misses := make([]string, 0, len(unique))
	for _, id := range unique {
		if _, ok := found[id]; !ok {
			misses = append(misses, id)
		}
	}
	if len(misses) > 0 {
		users, err := s.store.GetUsers(ctx, misses)
		if err != nil {
			s.logger.Warn("profile lookup failed", zap.Error(err))
		}
		fill := make([]store.User, 0, len(users))
		for id, user := range users {
			found[id] = user
			fill = append(fill, user)
		}
		if s.profiles != nil && len(fill) > 0 {
			if err := s.profiles.SetMany(ctx, fill); err != nil {
				s.logger.Warn("profile cache fill failed", zap.Error(err))
			}
		}
	}

	profiles := make(map[string]Profile, len(unique))
	for _, id := range unique {
		user, ok := found[id]
		if !ok {
			profiles[id] = Profile{ID: id}
			continue
		}
		profiles[id] = Profile{ID: id, DisplayName: user.DisplayName, AvatarURL: user.AvatarURL}
	}
	return profiles
}

func profileFromCaller(caller auth.Caller) Profile {
	return Profile{ID: caller.ID, DisplayName: caller.Name, AvatarURL: caller.AvatarURL}
}

func toMessageView(msg store.Message, sender Profile) MessageView {
	if sender.ID == "" {
		sender.ID = msg.SenderID
	}
	attachments := msg.Attachments
	if attachments == nil {
		attachments = []store.Attachment{}
	}
	return MessageView{
		ID:           msg.ID,
		EngagementID: msg.EngagementID,
		Sender:       sender,
		Text:         msg.Text,
		Attachments:  attachments,
		CreatedAt:    msg.CreatedAt,
	}
}
