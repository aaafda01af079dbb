package pawchat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pawpal/pawchat/internal/logging"
)

// SurfaceKind names a messaging surface.
type SurfaceKind string

const (
	// SurfaceWidget is the floating chat widget. It starts closed and opens
	// on chat requests.
	SurfaceWidget SurfaceKind = "widget"
	// SurfaceInbox is the full-page inbox. It is always open.
	SurfaceInbox SurfaceKind = "inbox"
)

// SurfaceModel is everything a surface needs to render.
type SurfaceModel struct {
	Kind   SurfaceKind
	Open   bool
	List   ConversationListModel
	Thread ThreadModel
}

// Surface composes the conversation list and the thread of one view over a
// Gateway and SyncManager shared with every other surface of the session.
type Surface struct {
	kind    SurfaceKind
	gateway *Gateway
	sync    *SyncManager
	lister  *MessageLister
	logger  zerolog.Logger
	now     func() time.Time
	loc     *time.Location

	mu            sync.Mutex
	mounted       bool
	open          bool
	viewerID      string
	selected      string
	selectGen     uint64
	draft         *ChatRequest
	loadingThread bool
	listErr       error
	threadErr     error
	composer      Composer
	scroll        *ScrollTracker
	releaseViewer func()
	releaseThread func()
	unlisten      func()
	onChange      func()
}

// SurfaceOption configures a Surface.
type SurfaceOption func(*Surface)

// WithSurfaceClock overrides the clock used for relative times and day labels.
func WithSurfaceClock(now func() time.Time) SurfaceOption {
	return func(s *Surface) { s.now = now }
}

// WithLocation sets the viewer's time zone for day grouping.
func WithLocation(loc *time.Location) SurfaceOption {
	return func(s *Surface) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithRenderHook registers a function called whenever the surface's model
// may have changed.
func WithRenderHook(fn func()) SurfaceOption {
	return func(s *Surface) { s.onChange = fn }
}

// NewSurface creates an unmounted surface.
func NewSurface(kind SurfaceKind, gateway *Gateway, syncer *SyncManager, opts ...SurfaceOption) *Surface {
	s := &Surface{
		kind:    kind,
		gateway: gateway,
		sync:    syncer,
		lister:  gateway.NewMessageLister(),
		logger:  logging.Component("surface").With().Str("surface", string(kind)).Logger(),
		now:     time.Now,
		loc:     time.Local,
		open:    kind == SurfaceInbox,
		scroll:  NewScrollTracker(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Kind returns the surface kind.
func (s *Surface) Kind() SurfaceKind {
	return s.kind
}

// Mount subscribes to the viewer's conversation events and loads the
// conversation list. A signed-out session is a precondition failure:
// ErrNotAuthenticated is returned and nothing is fetched. A failed fetch is
// not returned; it becomes the list banner.
func (s *Surface) Mount(ctx context.Context) error {
	viewer, err := s.gateway.ViewerID()
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.mounted {
		s.mu.Unlock()
		return nil
	}
	s.mounted = true
	s.viewerID = viewer
	s.mu.Unlock()

	release, err := s.sync.WatchViewer(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("viewer subscription failed")
	}
	unlisten := s.gateway.Cache().OnChange(s.cacheChanged)

	s.mu.Lock()
	s.releaseViewer = release
	s.unlisten = unlisten
	s.mu.Unlock()

	s.Refresh(ctx)
	return nil
}

// Refresh refetches the conversation list.
func (s *Surface) Refresh(ctx context.Context) {
	_, err := s.gateway.ListConversations(ctx)
	s.mu.Lock()
	s.listErr = err
	s.mu.Unlock()
	s.render()
}

// Unmount releases every subscription held by the surface.
func (s *Surface) Unmount() {
	s.mu.Lock()
	if !s.mounted {
		s.mu.Unlock()
		return
	}
	s.mounted = false
	releases := []func(){s.releaseThread, s.releaseViewer, s.unlisten}
	s.releaseThread, s.releaseViewer, s.unlisten = nil, nil, nil
	s.selectGen++
	s.selected = ""
	s.draft = nil
	s.mu.Unlock()

	s.lister.Close()
	for _, release := range releases {
		if release != nil {
			release()
		}
	}
}

// Open shows the surface.
func (s *Surface) Open() {
	s.mu.Lock()
	s.open = true
	s.mu.Unlock()
	s.render()
}

// Close hides a widget. The inbox cannot be closed.
func (s *Surface) Close() {
	if s.kind == SurfaceInbox {
		return
	}
	s.mu.Lock()
	s.open = false
	s.mu.Unlock()
	s.render()
}

// IsOpen reports whether the surface is shown.
func (s *Surface) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Selected returns the selected conversation id.
func (s *Surface) Selected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// Draft returns the pending chat request awaiting its first message.
func (s *Surface) Draft() (ChatRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draft == nil {
		return ChatRequest{}, false
	}
	return *s.draft, true
}

// Select opens a conversation. The selection is recorded and its unread
// count cleared before Select blocks on anything; then the read marker is
// persisted, the realtime subscription moves to the new conversation and its
// messages are loaded. A Select superseded by a later one stops at its next
// step without touching the subscription or the thread.
func (s *Surface) Select(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	s.selectGen++
	gen := s.selectGen
	s.selected = conversationID
	s.draft = nil
	s.threadErr = nil
	s.loadingThread = conversationID != ""
	s.scroll.Reset()
	s.mu.Unlock()
	s.render()

	if conversationID != "" {
		if err := s.gateway.MarkRead(ctx, conversationID); err != nil {
			s.logger.Debug().Err(err).Str("conversation_id", conversationID).Msg("mark read failed")
		}
		if !s.isCurrent(gen) {
			return nil
		}
	}

	release, err := s.sync.WatchConversation(ctx, conversationID)
	if err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("conversation subscription failed")
		release = nil
	}

	s.mu.Lock()
	if gen != s.selectGen {
		s.mu.Unlock()
		if release != nil {
			release()
		}
		return nil
	}
	previous := s.releaseThread
	s.releaseThread = release
	s.mu.Unlock()
	if previous != nil {
		previous()
	}

	for {
		_, err = s.lister.Select(ctx, conversationID)
		if !errors.Is(err, ErrStaleResponse) {
			break
		}
		// An older Select may reach the lister after this one; only the
		// current selection reloads.
		if !s.isCurrent(gen) {
			return nil
		}
	}

	s.mu.Lock()
	if gen == s.selectGen {
		s.loadingThread = false
		s.threadErr = err
	}
	s.mu.Unlock()
	s.render()
	return err
}

func (s *Surface) isCurrent(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.selectGen
}

// SetComposerText updates the composer input.
func (s *Surface) SetComposerText(text string) {
	s.mu.Lock()
	s.composer.Text = text
	s.mu.Unlock()
}

// Submit sends the composer text to the selected conversation, or starts the
// drafted conversation. Whitespace-only input is ignored without a store
// call. On failure the text returns to the composer.
func (s *Surface) Submit(ctx context.Context) error {
	s.mu.Lock()
	text, ok := s.composer.Submit()
	draft := s.draft
	selected := s.selected
	s.mu.Unlock()
	if !ok {
		return nil
	}
	s.render()

	if draft != nil {
		conversationID, err := s.gateway.Start(ctx, StartRequest{
			RecipientID:    draft.RecipientID,
			PetContextID:   draft.PetContextID,
			InitialMessage: text,
		})
		s.finishSend(text, err)
		if err != nil {
			return err
		}
		return s.Select(ctx, conversationID)
	}

	_, err := s.gateway.Send(ctx, selected, text)
	s.finishSend(text, err)
	return err
}

func (s *Surface) finishSend(text string, err error) {
	s.mu.Lock()
	if err != nil {
		var sendErr *SendError
		if !errors.As(err, &sendErr) {
			err = &SendError{Content: text, Err: err}
		}
		s.threadErr = err
	}
	s.composer.Finish(err)
	s.mu.Unlock()
	s.render()
}

// DismissError clears the list and thread banners.
func (s *Surface) DismissError() {
	s.mu.Lock()
	s.listErr = nil
	s.threadErr = nil
	s.mu.Unlock()
	s.render()
}

// SetNearBottom records the viewport position of the thread.
func (s *Surface) SetNearBottom(v bool) {
	s.mu.Lock()
	s.scroll.SetNearBottom(v)
	s.mu.Unlock()
}

// HandleChatRequest opens the surface on a counterpart. A loaded
// conversation with the recipient about the same pet is selected; otherwise
// the request is held as a draft that the first submitted message resolves.
func (s *Surface) HandleChatRequest(ctx context.Context, req ChatRequest) error {
	viewer, err := s.gateway.ViewerID()
	if err != nil {
		return err
	}
	if req.RecipientID == "" || req.RecipientID == viewer {
		return ErrInvalidRecipient
	}

	s.Open()
	if conv, ok := s.gateway.Cache().FindConversation(viewer, req.RecipientID, req.PetContextID); ok {
		return s.Select(ctx, conv.ID)
	}

	if err := s.Select(ctx, ""); err != nil {
		return err
	}
	s.mu.Lock()
	s.draft = &req
	s.mu.Unlock()
	s.render()
	return nil
}

// Run consumes chat requests until ctx is done or the bus closes.
func (s *Surface) Run(ctx context.Context, requests *ChatRequests) error {
	ch, release, err := requests.Consume()
	if err != nil {
		return err
	}
	defer release()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req, ok := <-ch:
			if !ok {
				return nil
			}
			if err := s.HandleChatRequest(ctx, req); err != nil {
				s.logger.Warn().Err(err).Str("recipient_id", req.RecipientID).Msg("chat request failed")
			}
		}
	}
}

// Model builds the current view model. Each call consumes the pending
// scroll-to-end signal.
func (s *Surface) Model() SurfaceModel {
	cache := s.gateway.Cache()
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	model := SurfaceModel{
		Kind: s.kind,
		Open: s.open,
		List: BuildConversationList(s.viewerID, cache.Conversations(), cache.Loaded(), s.selected, s.listErr, now),
	}

	thread := ThreadModel{
		ConversationID: s.selected,
		Loading:        s.loadingThread,
		CanSubmit:      s.composer.CanSubmit() && (s.selected != "" || s.draft != nil),
		ComposerText:   s.composer.Text,
		Err:            s.threadErr,
	}
	switch {
	case s.draft != nil:
		thread.Draft = true
		thread.Title = s.draft.DisplayHint
		if thread.Title == "" {
			thread.Title = s.draft.RecipientID
		}
	case s.selected != "":
		names := make(map[string]string)
		if conv, ok := cache.Conversation(s.selected); ok {
			for _, p := range conv.Participants {
				names[p.ID] = p.Name()
			}
			thread.Title = conv.Profile(conv.Counterpart(s.viewerID)).Name()
		}
		msgs := cache.Messages(s.selected)
		thread.Groups = GroupByDay(msgs, s.viewerID, names, now, s.loc)
		newestMine := len(msgs) > 0 && msgs[len(msgs)-1].IsMine(s.viewerID)
		thread.ScrollToEnd = s.scroll.Observe(len(msgs), newestMine)
	}
	if s.threadErr != nil {
		var sendErr *SendError
		if errors.As(s.threadErr, &sendErr) {
			thread.Banner = "Message not sent. Try again."
		} else {
			thread.Banner = "Couldn't load messages. Try again."
		}
	}
	model.Thread = thread
	return model
}

// cacheChanged keeps the open conversation read while new messages arrive
// and asks the host to re-render.
func (s *Surface) cacheChanged(change CacheChange) {
	s.mu.Lock()
	watching := s.mounted && s.open && s.selected != "" && change.ConversationID == s.selected
	s.mu.Unlock()

	if watching && change.Kind == ConversationsChanged {
		if conv, ok := s.gateway.Cache().Conversation(change.ConversationID); ok && conv.UnreadCount > 0 {
			go func(id string) {
				if _, err := s.gateway.MarkReadIfUnread(context.Background(), id); err != nil {
					s.logger.Debug().Err(err).Str("conversation_id", id).Msg("mark read failed")
				}
			}(change.ConversationID)
		}
	}
	s.render()
}

func (s *Surface) render() {
	if s.onChange != nil {
		s.onChange()
	}
}
