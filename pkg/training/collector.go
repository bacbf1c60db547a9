// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package training captures prompt/response/thought/quality tuples
// from completed pipeline runs into a local SQLite ledger, with a
// periodic NDJSON export for dataset consumers. Only dataset capture
// lives here; nothing in this package computes gradients.
package training

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	_ "github.com/conversant/agentrt/internal/sqlitedriver" // registers "sqlite3" driver
	"github.com/conversant/agentrt/pkg/observability"
	"github.com/conversant/agentrt/pkg/runtime"
	"github.com/conversant/agentrt/pkg/storage"
	"github.com/conversant/agentrt/pkg/types"
)

// DefaultQuality is assigned when a caller does not score a sample.
const DefaultQuality = 0.7

// exportFile is the NDJSON export written into the output directory.
const exportFile = "training_samples.jsonl"

// Config configures a Collector.
type Config struct {
	// DBPath locates the SQLite ledger; defaults to
	// OutputDir/training.db.
	DBPath string

	// OutputDir receives the NDJSON export. Created if absent.
	OutputDir string

	// FlushInterval drives the auto-export loop; zero disables it and
	// leaves flushing to explicit Flush calls.
	FlushInterval time.Duration

	// RLHF remaps review scores from [0,1] to [-1,1] before storage.
	RLHF bool

	// Store, when set, lets StoreThought persist thoughts into the
	// memory store's thoughts partition as well as the ledger.
	Store storage.Store

	Logger *zap.Logger
	Tracer observability.Tracer
}

// Collector records training samples. Inserts, feedback updates and
// flushes are traced; Sample and schema setup are not.
type Collector struct {
	db     *sql.DB
	mu     sync.RWMutex
	logger *zap.Logger
	tracer observability.Tracer

	outputDir string
	rlhf      bool
	store     storage.Store

	flushInterval time.Duration
	stopOnce      sync.Once
	done          chan struct{}
	wg            sync.WaitGroup
}

// NewCollector opens the ledger and prepares the output directory.
func NewCollector(cfg Config) (*Collector, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoOpTracer()
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "training"
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create training output dir: %w", err)
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.OutputDir, "training.db")
	}

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open training ledger: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	c := &Collector{
		db:            db,
		logger:        cfg.Logger,
		tracer:        cfg.Tracer,
		outputDir:     cfg.OutputDir,
		rlhf:          cfg.RLHF,
		store:         cfg.Store,
		flushInterval: cfg.FlushInterval,
		done:          make(chan struct{}),
	}
	if err := c.initSchema(context.Background()); err != nil {
		return nil, err
	}
	if c.flushInterval > 0 {
		c.wg.Add(1)
		go c.autoFlush()
	}
	return c, nil
}

func (c *Collector) initSchema(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS training_samples (
			id TEXT PRIMARY KEY,
			prompt TEXT NOT NULL,
			response TEXT NOT NULL,
			thought TEXT,
			quality_score REAL NOT NULL,
			state_snapshot TEXT,
			feedback TEXT,
			created_at INTEGER NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("init training schema: %w", err)
	}
	return nil
}

// Close stops the auto-flush loop, flushes once more, and closes the
// ledger.
func (c *Collector) Close() error {
	c.stopOnce.Do(func() { close(c.done) })
	c.wg.Wait()
	if err := c.Flush(context.Background()); err != nil {
		c.logger.Warn("final training flush failed", zap.Error(err))
	}
	return c.db.Close()
}

func (c *Collector) autoFlush() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.Flush(context.Background()); err != nil {
				c.logger.Warn("training auto-flush failed", zap.Error(err))
			}
		case <-c.done:
			return
		}
	}
}

// RecordInteraction stores one prompt/response pair, defaulting the
// quality score.
func (c *Collector) RecordInteraction(ctx context.Context, prompt, response, thought string, quality float64) (uuid.UUID, error) {
	if quality <= 0 {
		quality = DefaultQuality
	}
	return c.insert(ctx, types.TrainingSample{
		ID:           uuid.New(),
		Prompt:       prompt,
		Response:     response,
		Thought:      thought,
		QualityScore: quality,
		CreatedAt:    time.Now(),
	})
}

// RecordConversationTurn stores one pipeline exchange along with a
// snapshot of the composed state's template values.
func (c *Collector) RecordConversationTurn(ctx context.Context, msg, response *types.Memory, thought string, st *runtime.State) (uuid.UUID, error) {
	snapshot := map[string]any{}
	if st != nil {
		for k, v := range st.Values {
			snapshot[k] = v
		}
	}
	return c.insert(ctx, types.TrainingSample{
		ID:            uuid.New(),
		Prompt:        msg.Content.Text,
		Response:      response.Content.Text,
		Thought:       thought,
		QualityScore:  DefaultQuality,
		StateSnapshot: snapshot,
		CreatedAt:     time.Now(),
	})
}

// StoreThought records a standalone thought sample linked to its
// triggering memory and, when a store is wired, persists it into the
// thoughts partition too.
func (c *Collector) StoreThought(ctx context.Context, text string, source *types.Memory, quality float64) error {
	if quality <= 0 {
		quality = DefaultQuality
	}
	if c.store != nil && source != nil {
		thought := &types.Memory{
			ID:        uuid.New(),
			EntityID:  source.AgentID,
			AgentID:   source.AgentID,
			RoomID:    source.RoomID,
			Partition: "thoughts",
			Content: types.MemoryContent{
				Text:    text,
				Thought: text,
				Source:  source.Content.Source,
				Metadata: map[string]any{
					"memory_type":       "thought",
					"source_memory_id": source.ID.String(),
				},
			},
			CreatedAt: time.Now(),
		}
		if err := c.store.CreateMemory(ctx, thought); err != nil {
			c.logger.Warn("persist thought memory failed", zap.Error(err))
		}
	}
	_, err := c.insert(ctx, types.TrainingSample{
		ID:           uuid.New(),
		Prompt:       source.Content.Text,
		Response:     "",
		Thought:      text,
		QualityScore: quality,
		CreatedAt:    time.Now(),
	})
	return err
}

func (c *Collector) insert(ctx context.Context, s types.TrainingSample) (uuid.UUID, error) {
	ctx, span := c.tracer.StartSpan(ctx, "training.record")
	defer c.tracer.EndSpan(span)

	snapshot, err := json.Marshal(s.StateSnapshot)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("encode state snapshot: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO training_samples (id, prompt, response, thought, quality_score, state_snapshot, feedback, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		s.ID.String(), s.Prompt, s.Response, s.Thought, s.QualityScore,
		string(snapshot), s.Feedback, s.CreatedAt.Unix())
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("insert training sample: %w", err)
	}
	return s.ID, nil
}

// AddFeedback attaches a freeform score and note to a sample.
func (c *Collector) AddFeedback(ctx context.Context, sampleID uuid.UUID, score float64, note string) error {
	return c.applyFeedback(ctx, sampleID, score, note)
}

// AddReview attaches a reviewer score. When RLHF is enabled, scores in
// [0,1] are remapped to [-1,1] before storage.
func (c *Collector) AddReview(ctx context.Context, sampleID uuid.UUID, score float64, note string) error {
	if c.rlhf {
		score = score*2 - 1
	}
	return c.applyFeedback(ctx, sampleID, score, note)
}

func (c *Collector) applyFeedback(ctx context.Context, sampleID uuid.UUID, score float64, note string) error {
	ctx, span := c.tracer.StartSpan(ctx, "training.feedback")
	defer c.tracer.EndSpan(span)

	raw, err := json.Marshal(map[string]any{"score": score, "note": note})
	if err != nil {
		return fmt.Errorf("encode feedback: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	res, err := c.db.ExecContext(ctx, `
		UPDATE training_samples SET feedback = ?, quality_score = ? WHERE id = ?`,
		string(raw), score, sampleID.String())
	if err != nil {
		return fmt.Errorf("update sample feedback: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("training sample %s not found", sampleID)
	}
	return nil
}

// Sample loads one sample by ID.
func (c *Collector) Sample(ctx context.Context, id uuid.UUID) (*types.TrainingSample, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	row := c.db.QueryRowContext(ctx, `
		SELECT id, prompt, response, thought, quality_score, state_snapshot, feedback, created_at
		FROM training_samples WHERE id = ?`, id.String())
	return scanSample(row)
}

// Flush exports every sample to the NDJSON file in the output
// directory, one JSON object per line, replacing the previous export.
func (c *Collector) Flush(ctx context.Context) error {
	ctx, span := c.tracer.StartSpan(ctx, "training.flush")
	defer c.tracer.EndSpan(span)

	c.mu.RLock()
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, prompt, response, thought, quality_score, state_snapshot, feedback, created_at
		FROM training_samples ORDER BY created_at ASC`)
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("query samples for flush: %w", err)
	}
	defer rows.Close()

	tmp := filepath.Join(c.outputDir, exportFile+".tmp")
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	enc := json.NewEncoder(f)
	for rows.Next() {
		s, err := scanSample(rows)
		if err != nil {
			f.Close()
			return err
		}
		if err := enc.Encode(exportRecord(s)); err != nil {
			f.Close()
			return fmt.Errorf("write export line: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		f.Close()
		return fmt.Errorf("iterate samples: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(c.outputDir, exportFile))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSample(row rowScanner) (*types.TrainingSample, error) {
	var (
		id, prompt, response, snapshot string
		thought, feedback              sql.NullString
		quality                        float64
		createdAt                      int64
	)
	if err := row.Scan(&id, &prompt, &response, &thought, &quality, &snapshot, &feedback, &createdAt); err != nil {
		return nil, fmt.Errorf("scan training sample: %w", err)
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse sample id: %w", err)
	}
	s := &types.TrainingSample{
		ID:           parsed,
		Prompt:       prompt,
		Response:     response,
		Thought:      thought.String,
		QualityScore: quality,
		Feedback:     feedback.String,
		CreatedAt:    time.Unix(createdAt, 0),
	}
	if snapshot != "" && snapshot != "null" {
		if err := json.Unmarshal([]byte(snapshot), &s.StateSnapshot); err != nil {
			return nil, fmt.Errorf("decode state snapshot: %w", err)
		}
	}
	return s, nil
}

func exportRecord(s *types.TrainingSample) map[string]any {
	rec := map[string]any{
		"id":            s.ID.String(),
		"prompt":        s.Prompt,
		"response":      s.Response,
		"quality_score": s.QualityScore,
		"created_at":    s.CreatedAt.Unix(),
	}
	if s.Thought != "" {
		rec["thought"] = s.Thought
	}
	if len(s.StateSnapshot) > 0 {
		rec["state_snapshot"] = s.StateSnapshot
	}
	if s.Feedback != "" {
		rec["feedback"] = json.RawMessage(s.Feedback)
	}
	return rec
}
