package replicator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/opencode-mem/opencode-mem/internal/db"
)

const (
	queueName = "chroma_sync"
	batchSize = 100

	upsertRetries   = 3
	upsertBaseDelay = 200 * time.Millisecond

	syncInterval = 60 * time.Second
)

// Replicator pushes observations to the vector store incrementally,
// tracking progress through a per-project cursor.
type Replicator struct {
	store  *db.DB
	client *Client

	isSyncing atomic.Bool
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// New creates a Replicator. client may be nil, which turns every
// operation into a no-op.
func New(store *db.DB, client *Client) *Replicator {
	return &Replicator{
		store:  store,
		client: client,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Enabled reports whether a vector store is configured.
func (r *Replicator) Enabled() bool {
	return r != nil && r.client != nil
}

// Start launches the periodic sync loop.
func (r *Replicator) Start() {
	go r.run()
}

// Stop halts the loop.
func (r *Replicator) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

func (r *Replicator) run() {
	defer close(r.done)
	if !r.Enabled() {
		return
	}
	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			if _, err := r.Sync(context.Background(), ""); err != nil {
				log.Printf("[replicator] sync: %v", err)
			}
		}
	}
}

// SyncResult summarizes one sync pass.
type SyncResult struct {
	Synced    int `json:"synced"`
	Failed    int `json:"failed"`
	Conflicts int `json:"conflicts"`
	Retries   int `json:"retries"`
}

// ErrSyncInProgress is returned when a sync is already running.
var ErrSyncInProgress = fmt.Errorf("sync already in progress")

// Sync replicates observations newer than the project cursor. An empty
// project syncs everything. Only one sync runs at a time; concurrent
// callers get ErrSyncInProgress.
func (r *Replicator) Sync(ctx context.Context, project string) (*SyncResult, error) {
	if !r.Enabled() {
		return &SyncResult{}, nil
	}
	if !r.isSyncing.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer r.isSyncing.Store(false)

	runID, err := r.store.StartSyncRun("chroma", project)
	if err != nil {
		return nil, fmt.Errorf("open sync run: %w", err)
	}

	res, syncErr := r.syncPass(ctx, project)
	status := "success"
	details := ""
	if syncErr != nil {
		status = "failed"
		details = syncErr.Error()
	}
	if err := r.store.FinishSyncRun(runID, status, res.Synced, res.Failed, res.Conflicts, res.Retries, details); err != nil {
		log.Printf("[replicator] close sync run %d: %v", runID, err)
	}
	return res, syncErr
}

func (r *Replicator) syncPass(ctx context.Context, project string) (*SyncResult, error) {
	res := &SyncResult{}

	cursor, err := r.cursor(project)
	if err != nil {
		return res, err
	}

	maxSeen := cursor
	for {
		obs, err := r.store.ObservationsAfter(maxSeen, project, batchSize)
		if err != nil {
			return res, fmt.Errorf("load batch: %w", err)
		}
		if len(obs) == 0 {
			break
		}

		for i := range obs {
			o := &obs[i]
			if o.ID > maxSeen {
				maxSeen = o.ID
			}
			if o.Text == "" {
				continue
			}
			if err := r.syncObservation(ctx, o, res); err != nil {
				res.Failed++
				r.deadLetter(o, err)
			}
		}

		if err := r.saveCursor(project, maxSeen); err != nil {
			return res, err
		}
		if len(obs) < batchSize {
			break
		}
	}
	return res, nil
}

func (r *Replicator) syncObservation(ctx context.Context, o *db.Observation, res *SyncResult) error {
	hash := contentHash(o)
	hashKey := fmt.Sprintf("chroma.hash.observation.%d", o.ID)
	stored, err := r.store.GetSyncState(hashKey, "")
	if err != nil {
		return err
	}
	if stored != "" && stored != hash {
		// Content changed since the last replication. Counted, then
		// upserted so the remote copy converges anyway.
		res.Conflicts++
	}

	doc := Document{
		ID:   strconv.FormatInt(o.ID, 10),
		Text: o.Title + "\n" + o.Text,
		Metadata: map[string]string{
			"project":    o.Project,
			"session_id": o.SessionID,
			"type":       o.Type,
			"created_at": strconv.FormatInt(o.CreatedAtMs, 10),
		},
	}

	attempt := 0
	backoff := retry.WithMaxRetries(upsertRetries-1, retry.NewConstant(upsertBaseDelay))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if err := r.client.Upsert(ctx, []Document{doc}); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	res.Retries += attempt - 1
	if err != nil {
		return err
	}

	res.Synced++
	return r.store.SetSyncState(hashKey, hash)
}

func (r *Replicator) deadLetter(o *db.Observation, cause error) {
	payload, _ := json.Marshal(map[string]any{
		"observation_id": o.ID,
		"project":        o.Project,
		"error":          cause.Error(),
	})
	if _, err := r.store.InsertDeadLetter(queueName, strconv.FormatInt(o.ID, 10), string(payload), "sync_failed"); err != nil {
		log.Printf("[replicator] dead letter for observation %d: %v", o.ID, err)
	}
}

// ReplayFailed retries up to limit dead-lettered observations, removing
// the letters that replicate successfully.
func (r *Replicator) ReplayFailed(ctx context.Context, limit int) (int, error) {
	if !r.Enabled() {
		return 0, nil
	}
	letters, err := r.store.ListDeadLetters(queueName, limit)
	if err != nil {
		return 0, fmt.Errorf("list dead letters: %w", err)
	}

	replayed := 0
	for _, letter := range letters {
		id, err := strconv.ParseInt(letter.EntityID, 10, 64)
		if err != nil {
			continue
		}
		obs, err := r.store.GetObservation(id)
		if err != nil {
			return replayed, err
		}
		if obs == nil {
			// Observation purged since the failure; nothing left to sync.
			if err := r.store.DeleteDeadLetter(letter.ID); err != nil {
				return replayed, err
			}
			continue
		}

		res := &SyncResult{}
		if err := r.syncObservation(ctx, obs, res); err != nil {
			log.Printf("[replicator] replay observation %d: %v", id, err)
			continue
		}
		if err := r.store.DeleteDeadLetter(letter.ID); err != nil {
			return replayed, err
		}
		replayed++
	}
	return replayed, nil
}

// DeleteByProject removes a project's documents from the vector store and
// clears its cursor. Remote failures are reported but local state is
// cleared regardless, so a later full sync rebuilds cleanly.
func (r *Replicator) DeleteByProject(ctx context.Context, project string) error {
	if !r.Enabled() {
		return nil
	}
	remoteErr := r.client.DeleteWhere(ctx, map[string]string{"project": project})
	if err := r.store.DeleteSyncState(cursorKey(project)); err != nil {
		return err
	}
	return remoteErr
}

// Syncing reports whether a sync pass is currently running.
func (r *Replicator) Syncing() bool {
	return r.isSyncing.Load()
}

func (r *Replicator) cursor(project string) (int64, error) {
	raw, err := r.store.GetSyncState(cursorKey(project), "0")
	if err != nil {
		return 0, err
	}
	cursor, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt cursor %q: %w", raw, err)
	}
	return cursor, nil
}

func (r *Replicator) saveCursor(project string, value int64) error {
	return r.store.SetSyncState(cursorKey(project), strconv.FormatInt(value, 10))
}

func cursorKey(project string) string {
	if project == "" {
		project = "__all__"
	}
	return "chroma.cursor." + project
}

// contentHash fingerprints an observation's replicated content.
func contentHash(o *db.Observation) string {
	h := sha256.Sum256([]byte(o.Title + "\x00" + o.Text))
	return hex.EncodeToString(h[:])
}
