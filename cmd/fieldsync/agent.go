package main

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/zangezia/fieldsync/internal/api"
	"github.com/zangezia/fieldsync/internal/config"
	"github.com/zangezia/fieldsync/internal/monitor"
	"github.com/zangezia/fieldsync/internal/network"
	"github.com/zangezia/fieldsync/internal/queue"
	"github.com/zangezia/fieldsync/internal/state"
	"github.com/zangezia/fieldsync/internal/store"
	syncengine "github.com/zangezia/fieldsync/internal/sync"
	"github.com/zangezia/fieldsync/internal/warmup"
	"github.com/zangezia/fieldsync/pkg/models"
)

// Meta keys written by the auth commands
const (
	metaAuthToken = "auth_token"
	metaUserID    = "user_id"
)

// agent wires the components every command shares
type agent struct {
	cfg     *config.Config
	db      *store.DB
	client  *api.Client
	sync    *state.SyncStore
	warmup  *state.WarmupStore
	network *state.NetworkStore
	queue   *queue.Queue
	engine  *syncengine.Engine
	loader  *warmup.Loader
	netMon  *network.Monitor
	mon     *monitor.Service

	wg sync.WaitGroup
}

func engineOptions(cfg *config.Config) syncengine.Options {
	return syncengine.Options{
		Interval:       cfg.Sync.Interval,
		MaxParallelism: cfg.Sync.MaxParallelism,
		BackoffBase:    cfg.Sync.BackoffBase,
		BackoffMax:     cfg.Sync.BackoffMax,
	}
}

// openAgent opens the store and seeds the observer state from it. Only the
// process that drains calls recoverQueue.
func openAgent(ctx context.Context, cfg *config.Config) (*agent, error) {
	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	a := &agent{cfg: cfg, db: db}

	var syncInitial models.SyncState
	if _, err := db.GetMeta(ctx, state.SyncStateKey, &syncInitial); err != nil {
		log.Warn().Err(err).Msg("Discarding unreadable sync state")
	}
	var warmInitial models.WarmupState
	if _, err := db.GetMeta(ctx, state.WarmupStateKey, &warmInitial); err != nil {
		log.Warn().Err(err).Msg("Discarding unreadable warm-up state")
	}
	a.sync = state.NewSyncStore(db, syncInitial)
	a.warmup = state.NewWarmupStore(db, warmInitial)
	a.network = state.NewNetworkStore()

	a.client, err = api.NewClient(cfg.API.BaseURL, cfg.API.Timeout, a.token)
	if err != nil {
		db.Close()
		return nil, err
	}

	a.mon = monitor.New(cfg.Monitoring.UpdateInterval, cfg.Monitoring.CPUSmoothingSamples)
	a.mon.SetTargetDisk(db.Path())

	a.queue = queue.New(db, a.sync, queue.Options{
		MaxAttempts:      cfg.Sync.MaxAttempts,
		MinFreeDiskSpace: cfg.Sync.MinFreeDiskSpace,
		FreeSpace:        a.mon.FreeSpace,
	})
	a.engine = syncengine.New(a.queue, a.client, a.network, a.sync, engineOptions(cfg))
	a.loader = warmup.New(a.client, db, a.network, a.warmup, warmup.Options{
		CacheTTL:    cfg.Warmup.CacheTTL,
		Timeout:     cfg.Warmup.Timeout,
		Parallelism: cfg.Warmup.Parallelism,
	})
	a.netMon = network.New(a.client, a.network, cfg.Network.CheckInterval, cfg.Network.ProbeTimeout)
	return a, nil
}

// recoverQueue returns entries a crash left in flight to the queue
func (a *agent) recoverQueue(ctx context.Context) error {
	_, err := a.queue.Recover(ctx)
	return err
}

// Close waits for background work and closes the store
func (a *agent) Close() error {
	a.wg.Wait()
	return a.db.Close()
}

// token prefers a stored login over the configured token
func (a *agent) token(ctx context.Context) (string, error) {
	var tok string
	ok, err := a.db.GetMeta(ctx, metaAuthToken, &tok)
	if err != nil {
		return "", fmt.Errorf("failed to read auth token: %w", err)
	}
	if ok && tok != "" {
		return tok, nil
	}
	return a.cfg.Auth.Token, nil
}

func (a *agent) userID(ctx context.Context) string {
	var user string
	if ok, err := a.db.GetMeta(ctx, metaUserID, &user); err == nil && ok && user != "" {
		return user
	}
	return strings.TrimSpace(a.cfg.Auth.UserID)
}

// goWarmUp runs warmUpWhenOnline in the background; Close waits for it
func (a *agent) goWarmUp(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.warmUpWhenOnline(ctx)
	}()
}

// warmUpWhenOnline runs one warm-up for the signed-in user as soon as the
// backend is reachable
func (a *agent) warmUpWhenOnline(ctx context.Context) {
	user := a.userID(ctx)
	if user == "" {
		log.Info().Msg("No user signed in, skipping warm-up")
		return
	}

	updates, cancel := a.network.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-updates:
			if !st.Online {
				continue
			}
			if err := a.loader.WarmUp(ctx, user); err != nil {
				log.Warn().Err(err).Msg("Warm-up failed")
			}
			return
		}
	}
}
