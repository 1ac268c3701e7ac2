// Package progress keeps per-job and per-step progress records and the job
// cancel flag in Redis, degrading to an in-process map when Redis is
// unreachable. Message updates are mirrored to the job's audit log.
package progress

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/jupark12/cropmask-pipeline/auditlog"
)

// Step keys used by the pipeline engines
const (
	StepWorkflow         = "workflow"
	StepInference        = "inference"
	StepInferenceWindows = "inference_windows"
	StepMerge            = "merge"
	StepMergeTiles       = "merge_tiles"
	StepMergeCompute     = "merge_compute"
	StepArea             = "area"
	StepThumbnail        = "thumbnail"
)

// DefaultSteps are the steps returned by All when none are named
var DefaultSteps = []string{
	StepInference,
	StepMerge,
	StepArea,
	StepThumbnail,
	StepInferenceWindows,
	StepMergeTiles,
	StepMergeCompute,
}

// Record is one progress counter
type Record struct {
	Current int64  `json:"current"`
	Total   int64  `json:"total"`
	Percent int    `json:"percent"`
	Message string `json:"message"`
}

// Snapshot is the overall record plus the named step records of a job
type Snapshot struct {
	Overall Record            `json:"overall"`
	Steps   map[string]Record `json:"steps"`
}

var incrementScript = redis.NewScript(`
local cur = redis.call('HINCRBY', KEYS[1], 'current', ARGV[1])
if ARGV[2] ~= '' then redis.call('HSET', KEYS[1], 'total', ARGV[2]) end
if ARGV[3] ~= '' then redis.call('HSET', KEYS[1], 'message', ARGV[3]) end
local total = tonumber(redis.call('HGET', KEYS[1], 'total') or '0') or 0
local pct = 0
if total > 0 then pct = math.floor(cur * 100 / total) end
redis.call('HSET', KEYS[1], 'percent', pct)
local msg = redis.call('HGET', KEYS[1], 'message') or ''
return {cur, total, pct, msg}
`)

var addTotalScript = redis.NewScript(`
local total = redis.call('HINCRBY', KEYS[1], 'total', ARGV[1])
local cur = tonumber(redis.call('HGET', KEYS[1], 'current') or '0') or 0
local pct = 0
if total > 0 then pct = math.floor(cur * 100 / total) end
redis.call('HSET', KEYS[1], 'percent', pct)
local msg = redis.call('HGET', KEYS[1], 'message') or ''
return {cur, total, pct, msg}
`)

// Store reads and writes progress records
type Store struct {
	client *redis.Client
	audit  *auditlog.Logger

	mu       sync.Mutex
	fallback map[string]map[string]string
	notify   func(jobID string)
}

// NewStore creates a store. A nil client keeps every record in process.
func NewStore(client *redis.Client, audit *auditlog.Logger) *Store {
	return &Store{
		client:   client,
		audit:    audit,
		fallback: make(map[string]map[string]string),
	}
}

// Connect parses a redis:// URL and verifies the server answers
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// SetNotifier registers a callback invoked after every record change
func (s *Store) SetNotifier(fn func(jobID string)) {
	s.notify = fn
}

// Close releases the Redis client
func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func overallKey(jobID string) string {
	return fmt.Sprintf("job:%s:progress", jobID)
}

func stepKey(jobID, step string) string {
	return fmt.Sprintf("job:%s:progress:%s", jobID, step)
}

func cancelKey(jobID string) string {
	return fmt.Sprintf("job:%s:cancel", jobID)
}

func percentOf(current, total int64) int {
	if total <= 0 {
		return 0
	}
	return int(current * 100 / total)
}

func (r Record) fields() map[string]string {
	return map[string]string{
		"current": strconv.FormatInt(r.Current, 10),
		"total":   strconv.FormatInt(r.Total, 10),
		"percent": strconv.Itoa(r.Percent),
		"message": r.Message,
	}
}

func recordFromFields(m map[string]string) Record {
	var r Record
	r.Current, _ = strconv.ParseInt(m["current"], 10, 64)
	r.Total, _ = strconv.ParseInt(m["total"], 10, 64)
	r.Percent, _ = strconv.Atoi(m["percent"])
	r.Message = m["message"]
	return r
}

func recordFromScript(v interface{}) (Record, error) {
	vals, ok := v.([]interface{})
	if !ok || len(vals) != 4 {
		return Record{}, fmt.Errorf("unexpected script reply %T", v)
	}
	var r Record
	r.Current, _ = vals[0].(int64)
	r.Total, _ = vals[1].(int64)
	pct, _ := vals[2].(int64)
	r.Percent = int(pct)
	r.Message, _ = vals[3].(string)
	return r, nil
}

func (s *Store) fallbackSet(key string, fields map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.fallback[key]
	if cur == nil {
		cur = make(map[string]string, len(fields))
		s.fallback[key] = cur
	}
	for k, v := range fields {
		cur[k] = v
	}
}

func (s *Store) fallbackGet(key string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.fallback[key]))
	for k, v := range s.fallback[key] {
		out[k] = v
	}
	return out
}

func (s *Store) redisFailed(op string, err error) {
	log.Warn().Err(err).Str("op", op).Msg("progress store unreachable, using in-process fallback")
}

func (s *Store) changed(jobID, step, message string, percent int) {
	if message != "" && s.audit != nil {
		if step != "" {
			message = step + ": " + message
		}
		s.audit.AppendProgress(jobID, message, percent)
	}
	if s.notify != nil {
		s.notify(jobID)
	}
}

func (s *Store) set(ctx context.Context, jobID, step, key string, current, total int64, message string) Record {
	rec := Record{Current: current, Total: total, Percent: percentOf(current, total), Message: message}
	fields := rec.fields()
	if s.client != nil {
		values := make(map[string]interface{}, len(fields))
		for k, v := range fields {
			values[k] = v
		}
		if err := s.client.HSet(ctx, key, values).Err(); err != nil {
			s.redisFailed("hset", err)
			s.fallbackSet(key, fields)
		}
	} else {
		s.fallbackSet(key, fields)
	}
	s.changed(jobID, step, message, rec.Percent)
	return rec
}

// Set overwrites the overall record of a job
func (s *Store) Set(ctx context.Context, jobID string, current, total int64, message string) Record {
	return s.set(ctx, jobID, "", overallKey(jobID), current, total, message)
}

// SetStep overwrites one step record of a job
func (s *Store) SetStep(ctx context.Context, jobID, step string, current, total int64, message string) Record {
	return s.set(ctx, jobID, step, stepKey(jobID, step), current, total, message)
}

func (s *Store) increment(ctx context.Context, jobID, step, key string, by int64, total *int64, message string) Record {
	totalArg := ""
	if total != nil {
		totalArg = strconv.FormatInt(*total, 10)
	}
	if s.client != nil {
		reply, err := incrementScript.Run(ctx, s.client, []string{key}, by, totalArg, message).Result()
		if err == nil {
			rec, perr := recordFromScript(reply)
			if perr == nil {
				s.changed(jobID, step, message, rec.Percent)
				return rec
			}
			err = perr
		}
		s.redisFailed("increment", err)
	}

	s.mu.Lock()
	cur := s.fallback[key]
	if cur == nil {
		cur = make(map[string]string, 4)
		s.fallback[key] = cur
	}
	rec := recordFromFields(cur)
	rec.Current += by
	if total != nil {
		rec.Total = *total
	}
	if message != "" {
		rec.Message = message
	}
	rec.Percent = percentOf(rec.Current, rec.Total)
	for k, v := range rec.fields() {
		cur[k] = v
	}
	s.mu.Unlock()

	s.changed(jobID, step, message, rec.Percent)
	return rec
}

// Increment advances the overall record by n
func (s *Store) Increment(ctx context.Context, jobID string, n int64, message string) Record {
	return s.increment(ctx, jobID, "", overallKey(jobID), n, nil, message)
}

// IncrementStep advances one step record by n
func (s *Store) IncrementStep(ctx context.Context, jobID, step string, n int64, message string) Record {
	return s.increment(ctx, jobID, step, stepKey(jobID, step), n, nil, message)
}

// IncrementStepTotal advances a step record and replaces its total
func (s *Store) IncrementStepTotal(ctx context.Context, jobID, step string, n, total int64, message string) Record {
	return s.increment(ctx, jobID, step, stepKey(jobID, step), n, &total, message)
}

// AddStepTotal grows the total of a step whose unit count is discovered
// while it runs
func (s *Store) AddStepTotal(ctx context.Context, jobID, step string, n int64) Record {
	key := stepKey(jobID, step)
	if s.client != nil {
		reply, err := addTotalScript.Run(ctx, s.client, []string{key}, n).Result()
		if err == nil {
			if rec, perr := recordFromScript(reply); perr == nil {
				s.changed(jobID, step, "", rec.Percent)
				return rec
			}
		} else {
			s.redisFailed("add_total", err)
		}
	}

	s.mu.Lock()
	cur := s.fallback[key]
	if cur == nil {
		cur = make(map[string]string, 4)
		s.fallback[key] = cur
	}
	rec := recordFromFields(cur)
	rec.Total += n
	rec.Percent = percentOf(rec.Current, rec.Total)
	for k, v := range rec.fields() {
		cur[k] = v
	}
	s.mu.Unlock()

	s.changed(jobID, step, "", rec.Percent)
	return rec
}

func (s *Store) get(ctx context.Context, key string) Record {
	if s.client != nil {
		data, err := s.client.HGetAll(ctx, key).Result()
		if err == nil {
			return recordFromFields(data)
		}
		s.redisFailed("hgetall", err)
	}
	return recordFromFields(s.fallbackGet(key))
}

// Get returns the overall record of a job
func (s *Store) Get(ctx context.Context, jobID string) Record {
	return s.get(ctx, overallKey(jobID))
}

// GetStep returns one step record of a job
func (s *Store) GetStep(ctx context.Context, jobID, step string) Record {
	return s.get(ctx, stepKey(jobID, step))
}

// All returns the overall record and the named steps, or DefaultSteps
func (s *Store) All(ctx context.Context, jobID string, steps ...string) Snapshot {
	if len(steps) == 0 {
		steps = DefaultSteps
	}
	snap := Snapshot{Overall: s.Get(ctx, jobID), Steps: make(map[string]Record, len(steps))}
	for _, step := range steps {
		snap.Steps[step] = s.GetStep(ctx, jobID, step)
	}
	return snap
}

// SetCancel raises or clears the cancel flag of a job
func (s *Store) SetCancel(ctx context.Context, jobID string, cancelled bool) {
	key := cancelKey(jobID)
	if s.client != nil {
		var err error
		if cancelled {
			err = s.client.Set(ctx, key, "1", 0).Err()
		} else {
			err = s.client.Del(ctx, key).Err()
		}
		if err == nil {
			return
		}
		s.redisFailed("set_cancel", err)
	}
	if cancelled {
		s.fallbackSet(key, map[string]string{"cancel": "1"})
		return
	}
	s.mu.Lock()
	delete(s.fallback, key)
	s.mu.Unlock()
}

// IsCancelled reports whether the cancel flag of a job is raised
func (s *Store) IsCancelled(ctx context.Context, jobID string) bool {
	key := cancelKey(jobID)
	if s.client != nil {
		val, err := s.client.Get(ctx, key).Result()
		if err == nil {
			return val == "1"
		}
		if errors.Is(err, redis.Nil) {
			return false
		}
		s.redisFailed("is_cancelled", err)
	}
	return s.fallbackGet(key)["cancel"] == "1"
}

// Reset deletes every progress record of a job so a retry starts clean
func (s *Store) Reset(ctx context.Context, jobID string) {
	keys := []string{overallKey(jobID)}
	for _, step := range DefaultSteps {
		keys = append(keys, stepKey(jobID, step))
	}
	keys = append(keys, stepKey(jobID, StepWorkflow))

	if s.client != nil {
		if err := s.client.Del(ctx, keys...).Err(); err != nil {
			s.redisFailed("reset", err)
		}
	}
	s.mu.Lock()
	for _, k := range keys {
		delete(s.fallback, k)
	}
	s.mu.Unlock()
	if s.notify != nil {
		s.notify(jobID)
	}
}
