package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"crmsync/internal/models"
)

const (
	DefaultWindowPast   = 7 * 24 * time.Hour
	DefaultWindowFuture = 30 * 24 * time.Hour
	DefaultCallTimeout  = 30 * time.Second
	DefaultTitle        = "(No title)"
)

// Provider is an external calendar.
type Provider interface {
	ListEvents(ctx context.Context, authz models.Authorization, timeMin, timeMax time.Time) ([]*models.ExternalEvent, error)
	CreateEvent(ctx context.Context, authz models.Authorization, ev *models.LocalEvent) (*models.ExternalEvent, error)
}

// TokenResolver turns a stored credential into a usable access token.
type TokenResolver interface {
	EnsureValid(ctx context.Context, cred *models.Credential) (string, error)
}

// StaticTokens returns the stored secret as is. Used for CalDAV app passwords, which do not expire.
type StaticTokens struct{}

func (StaticTokens) EnsureValid(_ context.Context, cred *models.Credential) (string, error) {
	return cred.AccessToken, nil
}

// Store is the persistence the engine needs. *store.Store satisfies it.
type Store interface {
	GetCredential(ctx context.Context, userID, integrationType string) (*models.Credential, error)
	ListSynced(ctx context.Context, userID string) ([]models.SyncLink, error)
	ListUnsynced(ctx context.Context, userID string) ([]*models.LocalEvent, error)
	InsertImported(ctx context.Context, ev *models.LocalEvent) (bool, error)
	UpdateByExternalID(ctx context.Context, userID, externalID string, f models.EventFields, lastModified time.Time) error
	SetExternalID(ctx context.Context, userID, eventID, externalID string, syncedAt time.Time) error
}

// Guard serializes runs for the same user.
type Guard interface {
	Acquire(ctx context.Context, userID string) (release func(), err error)
}

// Options tune a Syncer. Zero values take the package defaults, except
// WindowPast where zero means no look-back and only a negative value is defaulted.
type Options struct {
	IntegrationType string
	WindowPast      time.Duration
	WindowFuture    time.Duration
	CallTimeout     time.Duration
	DefaultTitle    string
	DryRun          bool
}

// Syncer reconciles a user's local events with their external calendar.
type Syncer struct {
	logger   *slog.Logger
	store    Store
	tokens   TokenResolver
	provider Provider
	guard    Guard
	clock    models.Clock
	opts     Options
}

// NewSyncer creates a new Syncer.
func NewSyncer(logger *slog.Logger, store Store, tokens TokenResolver, provider Provider, guard Guard, clock models.Clock, opts Options) *Syncer {
	if opts.IntegrationType == "" {
		opts.IntegrationType = models.IntegrationGoogle
	}
	if opts.WindowPast < 0 {
		opts.WindowPast = DefaultWindowPast
	}
	if opts.WindowFuture <= 0 {
		opts.WindowFuture = DefaultWindowFuture
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.DefaultTitle == "" {
		opts.DefaultTitle = DefaultTitle
	}
	if clock == nil {
		clock = models.RealClock{}
	}
	return &Syncer{
		logger:   logger,
		store:    store,
		tokens:   tokens,
		provider: provider,
		guard:    guard,
		clock:    clock,
		opts:     opts,
	}
}

// IntegrationType is the credential type this syncer reconciles against.
func (s *Syncer) IntegrationType() string {
	return s.opts.IntegrationType
}

// Sync performs one reconciliation run for a user.
// The outcome is always returned. The error is non-nil when the user's run
// failed as a whole: guard, credential, token, storage or fetch failures.
// Per-event failures are only counted in the outcome.
func (s *Syncer) Sync(ctx context.Context, userID string) (*models.SyncOutcome, error) {
	outcome := &models.SyncOutcome{UserID: userID}
	logger := s.logger.With("user", userID)

	if s.guard != nil {
		release, err := s.guard.Acquire(ctx, userID)
		if err != nil {
			outcome.AddError(err)
			return outcome, err
		}
		defer release()
	}

	authz, err := s.authorize(ctx, userID)
	if err != nil {
		logger.Error("Cannot authorize user, skipping run.", "error", err)
		outcome.AddError(err)
		return outcome, err
	}

	logger.Info("Starting sync cycle.")

	var userErr error
	if err := s.importEvents(ctx, authz, outcome); err != nil {
		logger.Error("Import phase failed.", "error", err)
		outcome.AddError(err)
		userErr = err
	}

	if err := s.exportEvents(ctx, authz, outcome); err != nil {
		logger.Error("Export phase failed.", "error", err)
		outcome.AddError(err)
		if userErr == nil {
			userErr = err
		}
	}

	logger.Info("Sync cycle finished.",
		"imported", outcome.Imported,
		"updated", outcome.Updated,
		"skipped", outcome.Skipped,
		"exported", outcome.Exported,
		"failed", outcome.Failed)
	return outcome, userErr
}

func (s *Syncer) authorize(ctx context.Context, userID string) (models.Authorization, error) {
	cred, err := s.store.GetCredential(ctx, userID, s.opts.IntegrationType)
	if err != nil {
		return models.Authorization{}, fmt.Errorf("failed to load credential: %w", err)
	}
	if cred == nil {
		return models.Authorization{}, ErrNoCredential
	}

	callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()
	token, err := s.tokens.EnsureValid(callCtx, cred)
	if err != nil {
		return models.Authorization{}, err
	}
	return models.Authorization{UserID: userID, Account: cred.Account, AccessToken: token}, nil
}

// importEvents creates or overwrites local events from the external window.
// A non-nil error means the phase could not run; events processed so far stay counted.
func (s *Syncer) importEvents(ctx context.Context, authz models.Authorization, outcome *models.SyncOutcome) error {
	links, err := s.store.ListSynced(ctx, authz.UserID)
	if err != nil {
		return fmt.Errorf("failed to list synced events: %w", err)
	}
	known := make(map[string]time.Time, len(links))
	for _, l := range links {
		known[l.ExternalID] = l.LastModified
	}

	now := s.clock.Now()
	callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	external, err := s.provider.ListEvents(callCtx, authz, now.Add(-s.opts.WindowPast), now.Add(s.opts.WindowFuture))
	cancel()
	if err != nil {
		return &FetchError{UserID: authz.UserID, Err: err}
	}

	for _, ext := range external {
		lastModified, ok := known[ext.ID]
		if !ok {
			s.importEvent(ctx, authz.UserID, ext, outcome)
			known[ext.ID] = s.stamp(ext.Updated)
			continue
		}

		if !ext.Updated.After(lastModified) {
			s.logger.Debug("Local event is as fresh, skipping.", "user", authz.UserID, "externalID", ext.ID)
			outcome.Skipped++
			continue
		}

		if s.opts.DryRun {
			s.logger.Info("[DRY RUN] Would update local event.", "user", authz.UserID, "externalID", ext.ID, "title", ext.Title)
			outcome.Updated++
			continue
		}
		err := s.store.UpdateByExternalID(ctx, authz.UserID, ext.ID, ext.Fields(s.opts.DefaultTitle), s.stamp(ext.Updated))
		if err != nil {
			s.logger.Error("Failed to update local event.", "user", authz.UserID, "externalID", ext.ID, "error", err)
			outcome.Failed++
			outcome.AddError(fmt.Errorf("update %s: %w", ext.ID, err))
			continue
		}
		outcome.Updated++
	}
	return nil
}

func (s *Syncer) importEvent(ctx context.Context, userID string, ext *models.ExternalEvent, outcome *models.SyncOutcome) {
	ev := &models.LocalEvent{
		UserID:       userID,
		Kind:         models.KindEvent,
		ExternalID:   ext.ID,
		LastModified: s.stamp(ext.Updated),
	}
	ext.Fields(s.opts.DefaultTitle).Apply(ev)

	if s.opts.DryRun {
		s.logger.Info("[DRY RUN] Would import event.", "user", userID, "externalID", ext.ID, "title", ev.Title)
		outcome.Imported++
		return
	}

	inserted, err := s.store.InsertImported(ctx, ev)
	if err != nil {
		s.logger.Error("Failed to import event.", "user", userID, "externalID", ext.ID, "error", err)
		outcome.Failed++
		outcome.AddError(fmt.Errorf("import %s: %w", ext.ID, err))
		return
	}
	if !inserted {
		// A concurrent run linked the same external id first.
		s.logger.Debug("Event already imported, skipping.", "user", userID, "externalID", ext.ID)
		outcome.Skipped++
		return
	}
	s.logger.Debug("Imported event.", "user", userID, "externalID", ext.ID, "title", ev.Title)
	outcome.Imported++
}

// exportEvents creates a remote event for every unsynced local event.
func (s *Syncer) exportEvents(ctx context.Context, authz models.Authorization, outcome *models.SyncOutcome) error {
	pending, err := s.store.ListUnsynced(ctx, authz.UserID)
	if err != nil {
		return fmt.Errorf("failed to list unsynced events: %w", err)
	}

	for _, ev := range pending {
		if s.opts.DryRun {
			s.logger.Info("[DRY RUN] Would export event.", "user", authz.UserID, "eventID", ev.ID, "title", ev.Title)
			outcome.Exported++
			continue
		}
		if err := s.exportEvent(ctx, authz, ev); err != nil {
			s.logger.Error("Failed to export event.", "user", authz.UserID, "eventID", ev.ID, "error", err)
			outcome.Failed++
			outcome.AddError(err)
			continue
		}
		outcome.Exported++
	}
	return nil
}

func (s *Syncer) exportEvent(ctx context.Context, authz models.Authorization, ev *models.LocalEvent) error {
	callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	created, err := s.provider.CreateEvent(callCtx, authz, ev)
	cancel()
	if err != nil {
		return &ExportError{EventID: ev.ID, Err: err}
	}

	// Last-modified takes the remote stamp so the next import sees equal timestamps.
	if err := s.store.SetExternalID(ctx, authz.UserID, ev.ID, created.ID, s.stamp(created.Updated)); err != nil {
		return &ExportError{EventID: ev.ID, Err: fmt.Errorf("remote event %s created but not linked: %w", created.ID, err)}
	}
	s.logger.Debug("Exported event.", "user", authz.UserID, "eventID", ev.ID, "externalID", created.ID)
	return nil
}

// stamp returns t, or now when the provider reported no timestamp.
func (s *Syncer) stamp(t time.Time) time.Time {
	if t.IsZero() {
		return s.clock.Now().UTC()
	}
	return t.UTC()
}
