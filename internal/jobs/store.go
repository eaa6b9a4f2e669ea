package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yourusername/motion-forge/internal/video"
)

const (
	jobKeyPrefix    = "job:"
	cancelKeyPrefix = "job-cancel:"
	ownerKeyPrefix  = "jobs:owner:"
	activeIndexKey  = "jobs:active"

	cancelFlagTTL   = 24 * time.Hour
	maxTxRetries    = 16
	maxStorePercent = 99 // 100 は完了時のみ
)

var (
	// ErrInProgress はジョブが実行中のため操作できない場合のエラーです。
	ErrInProgress = errors.New("job is still processing")
	// ErrJobExists は同じIDのジョブが既に保存されている場合のエラーです。
	ErrJobExists = errors.New("job already exists")
)

// errNoChange は更新不要のとき書き込みを省くための内部エラーです。
var errNoChange = errors.New("no change")

// Store はジョブレコードを Redis に保存します。
//
//	job:<id>              レコード本体（JSON）
//	jobs:owner:<ownerID>  利用者ごとの履歴（作成時刻のスコア付き集合）
//	jobs:active           終端に達していないジョブ（作成時刻のスコア付き集合）
//	job-cancel:<id>       実行中ジョブのキャンセル要求
type Store struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

// NewStore は Store を作成します。ttl が 0 の場合、レコードは期限切れになりません。
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{
		rdb: rdb,
		ttl: ttl,
		now: time.Now,
	}
}

// Create は新しいジョブレコードを保存します。同じIDが存在する場合はエラーです。
func (s *Store) Create(ctx context.Context, record *video.Record) error {
	if record == nil || record.ID == "" {
		return fmt.Errorf("record with id is required")
	}
	now := s.now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}

	// 本体と索引を同じ MULTI で書き、索引だけ欠けたレコードを残さない
	key := jobKey(record.ID)
	score := float64(record.CreatedAt.UnixMilli())
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrJobExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			pipe.ZAdd(ctx, ownerKey(record.OwnerID), redis.Z{Score: score, Member: record.ID})
			if !record.Status.Terminal() {
				pipe.ZAdd(ctx, activeIndexKey, redis.Z{Score: score, Member: record.ID})
			}
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrJobExists
	}
	return err
}

// Get はジョブ情報を取得します。存在しない場合は video.ErrNotFound を返します。
func (s *Store) Get(ctx context.Context, jobID string) (*video.Record, error) {
	if jobID == "" {
		return nil, video.ErrNotFound
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, video.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var record video.Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// MarkProcessing はワーカーが試行を開始したことを記録します。
func (s *Store) MarkProcessing(ctx context.Context, jobID string, attempt int) (*video.Record, error) {
	return s.update(ctx, jobID, func(record *video.Record) error {
		if record.Status.Terminal() {
			return video.ErrAlreadyTerminal
		}
		if !video.CanTransition(record.Status, video.StatusProcessing) {
			return fmt.Errorf("invalid transition %s -> %s", record.Status, video.StatusProcessing)
		}
		record.Status = video.StatusProcessing
		record.Attempts = attempt
		if record.StartedAt == nil {
			started := s.now().UTC()
			record.StartedAt = &started
		}
		return nil
	})
}

// UpdateProgress は進捗を保存します。処理中でない場合や値が後退する場合は何もしません。
func (s *Store) UpdateProgress(ctx context.Context, jobID string, percent int, stage, message string) error {
	if percent > maxStorePercent {
		percent = maxStorePercent
	}
	_, err := s.update(ctx, jobID, func(record *video.Record) error {
		if record.Status != video.StatusProcessing || percent < record.ProgressPercent {
			return errNoChange
		}
		record.ProgressPercent = percent
		record.Stage = stage
		record.StageMessage = message
		return nil
	})
	return err
}

// Complete はジョブを完了にします。成果物は3つすべて揃っている必要があります。
func (s *Store) Complete(ctx context.Context, jobID string, artifacts *video.Artifacts) error {
	if !artifacts.Complete() {
		return fmt.Errorf("artifacts are incomplete")
	}
	_, err := s.update(ctx, jobID, func(record *video.Record) error {
		if record.Status.Terminal() {
			return video.ErrAlreadyTerminal
		}
		if !video.CanTransition(record.Status, video.StatusCompleted) {
			return fmt.Errorf("invalid transition %s -> %s", record.Status, video.StatusCompleted)
		}
		completed := s.now().UTC()
		record.Status = video.StatusCompleted
		record.ProgressPercent = 100
		record.Stage = "completed"
		record.StageMessage = "完了しました"
		record.Artifacts = artifacts
		record.FailureReason = ""
		record.FailureDetail = ""
		record.CompletedAt = &completed
		return nil
	})
	return err
}

// Fail はジョブを失敗にします。detail は内部向けで、利用者には公開しません。
func (s *Store) Fail(ctx context.Context, jobID string, reason video.Reason, detail string) (*video.Record, error) {
	return s.update(ctx, jobID, func(record *video.Record) error {
		if record.Status.Terminal() {
			return video.ErrAlreadyTerminal
		}
		s.markFailed(record, reason, detail)
		return nil
	})
}

// CancelQueued は待機中のジョブをキャンセル済みにします。実行中の場合は ErrNotQueued を返します。
func (s *Store) CancelQueued(ctx context.Context, jobID string) (*video.Record, error) {
	return s.update(ctx, jobID, func(record *video.Record) error {
		if record.Status.Terminal() {
			return video.ErrAlreadyTerminal
		}
		if record.Status != video.StatusQueued {
			return ErrNotQueued
		}
		s.markFailed(record, video.ReasonCancelled, "cancelled while queued")
		return nil
	})
}

func (s *Store) markFailed(record *video.Record, reason video.Reason, detail string) {
	completed := s.now().UTC()
	record.Status = video.StatusFailed
	record.Stage = "failed"
	record.StageMessage = reason.Message()
	record.FailureReason = reason
	record.FailureDetail = detail
	record.Artifacts = nil
	record.CompletedAt = &completed
}

// SoftDelete は終端に達したジョブを履歴から隠します。保存済みの成果物は削除しません。
func (s *Store) SoftDelete(ctx context.Context, jobID string) error {
	_, err := s.update(ctx, jobID, func(record *video.Record) error {
		if !record.Status.Terminal() {
			return ErrInProgress
		}
		if record.DeletedAt != nil {
			return errNoChange
		}
		deleted := s.now().UTC()
		record.DeletedAt = &deleted
		return nil
	})
	return err
}

// ListByOwner は利用者の履歴を新しい順に返します。削除済みと期限切れのレコードは含めません。
func (s *Store) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*video.Record, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	ids, err := s.rdb.ZRevRange(ctx, ownerKey(ownerID), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*video.Record{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	records := make([]*video.Record, 0, len(values))
	var expired []interface{}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		var record video.Record
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return nil, err
		}
		if record.DeletedAt != nil {
			continue
		}
		records = append(records, &record)
	}
	if len(expired) > 0 {
		_ = s.rdb.ZRem(ctx, ownerKey(ownerID), expired...).Err()
	}
	return records, nil
}

// ListStale は before より前に作成され、まだ終端に達していないジョブのIDを返します。
func (s *Store) ListStale(ctx context.Context, before time.Time, limit int64) ([]string, error) {
	return s.rdb.ZRangeByScore(ctx, activeIndexKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(before.UnixMilli(), 10),
		Count: limit,
	}).Result()
}

// Forget は進行中の索引からジョブを外します。レコードが消えている場合に使います。
func (s *Store) Forget(ctx context.Context, jobID string) error {
	return s.rdb.ZRem(ctx, activeIndexKey, jobID).Err()
}

// RequestCancel は実行中ジョブへのキャンセル要求を記録します。
func (s *Store) RequestCancel(ctx context.Context, jobID string) error {
	return s.rdb.Set(ctx, cancelKey(jobID), "1", cancelFlagTTL).Err()
}

// CancelRequested はキャンセル要求の有無を返します。
func (s *Store) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, cancelKey(jobID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// StopRequested は実行中の試行を止めるべきかを返します。
// キャンセル要求があるか、レコードが既に終端（期限切れで打ち切られた場合など）なら true です。
func (s *Store) StopRequested(ctx context.Context, jobID string) (bool, error) {
	if cancelled, err := s.CancelRequested(ctx, jobID); err != nil || cancelled {
		return cancelled, err
	}
	record, err := s.Get(ctx, jobID)
	if errors.Is(err, video.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return record.Status.Terminal(), nil
}

// update は WATCH による楽観ロックでレコードを書き換えます。
func (s *Store) update(ctx context.Context, jobID string, mutate func(*video.Record) error) (*video.Record, error) {
	key := jobKey(jobID)
	var out *video.Record

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return video.ErrNotFound
		}
		if err != nil {
			return err
		}
		var record video.Record
		if err := json.Unmarshal(data, &record); err != nil {
			return err
		}
		wasTerminal := record.Status.Terminal()

		if err := mutate(&record); err != nil {
			if errors.Is(err, errNoChange) {
				out = &record
				return nil
			}
			return err
		}
		record.UpdatedAt = s.now().UTC()
		payload, err := json.Marshal(&record)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			if !wasTerminal && record.Status.Terminal() {
				pipe.ZRem(ctx, activeIndexKey, jobID)
				pipe.Del(ctx, cancelKey(jobID))
			}
			if record.DeletedAt != nil {
				pipe.ZRem(ctx, ownerKey(record.OwnerID), jobID)
			}
			return nil
		})
		if err == nil {
			out = &record
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("update job %s: too many concurrent writers", jobID)
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

func cancelKey(id string) string {
	return cancelKeyPrefix + id
}

func ownerKey(ownerID string) string {
	return ownerKeyPrefix + ownerID
}
