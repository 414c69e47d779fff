package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Dezzy-dev/amara/internal/model"
)

// identityTable はIdentity種別ごとの格納先テーブル。
type identityTable struct {
	name      string
	emailExpr string // 匿名デバイスはemailカラムを持たない
	revive    string // 利用再開時に追加するSET句
}

var identityTables = map[model.IdentityKind]identityTable{
	model.IdentityAuthenticated: {name: "user_profiles", emailExpr: "email"},
	model.IdentityAnonymous:     {name: "anonymous_devices", emailExpr: "''", revive: ", abandoned_at = NULL"},
}

// usageColumns は利用種別ごとのカウンタカラム。
var usageColumns = map[model.UsageKind]string{
	model.UsageMessage: "daily_messages_used",
	model.UsageVoice:   "daily_voice_notes_used",
}

func tableFor(kind model.IdentityKind) (identityTable, error) {
	t, ok := identityTables[kind]
	if !ok {
		return identityTable{}, fmt.Errorf("unknown identity kind: %q", kind)
	}
	return t, nil
}

func usageColumnFor(kind model.UsageKind) (string, error) {
	c, ok := usageColumns[kind]
	if !ok {
		return "", fmt.Errorf("unknown usage kind: %q", kind)
	}
	return c, nil
}

// PostgresIdentityRepo はPostgreSQLを使用したIdentityリポジトリ。
// 認証済みプロフィールと匿名デバイスを同じ操作で扱う。
type PostgresIdentityRepo struct {
	db *sql.DB
}

// NewPostgresIdentityRepo はPostgresIdentityRepoを生成する。
func NewPostgresIdentityRepo(db *sql.DB) *PostgresIdentityRepo {
	return &PostgresIdentityRepo{db: db}
}

// FindProfile は認証済みユーザーのプロフィールを取得する。見つからない場合はnilを返す。
func (r *PostgresIdentityRepo) FindProfile(ctx context.Context, userID string) (*model.Identity, error) {
	return r.find(ctx, model.IdentityRef{ID: userID, Kind: model.IdentityAuthenticated})
}

// FindDevice は匿名デバイスを取得する。見つからない場合はnilを返す。
func (r *PostgresIdentityRepo) FindDevice(ctx context.Context, deviceID string) (*model.Identity, error) {
	return r.find(ctx, model.IdentityRef{ID: deviceID, Kind: model.IdentityAnonymous})
}

func (r *PostgresIdentityRepo) find(ctx context.Context, ref model.IdentityRef) (*model.Identity, error) {
	t, err := tableFor(ref.Kind)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT id, %s, name, country, feeling, plan_tier,
			trial_start_date, trial_end_date, has_ever_trialed, is_judge,
			daily_messages_used, daily_voice_notes_used, last_reset_date,
			created_at, updated_at
		 FROM %s WHERE id = $1`, t.emailExpr, t.name)

	id := &model.Identity{Kind: ref.Kind}
	var tier string
	var trialStart, trialEnd sql.NullTime
	err = r.db.QueryRowContext(ctx, query, ref.ID).Scan(
		&id.ID, &id.Email, &id.Name, &id.Country, &id.Feeling, &tier,
		&trialStart, &trialEnd, &id.HasEverTrialed, &id.IsJudge,
		&id.MessagesUsed, &id.VoiceNotesUsed, &id.LastResetDate,
		&id.CreatedAt, &id.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Identityの取得に失敗しました: %w", err)
	}

	id.Tier = model.Tier(tier)
	id.TrialStartDate = timePtr(trialStart)
	id.TrialEndDate = timePtr(trialEnd)
	return id, nil
}

// Create はIdentityを作成する。既に存在する場合はErrDuplicateを返す。
func (r *PostgresIdentityRepo) Create(ctx context.Context, id *model.Identity) error {
	var err error
	switch id.Kind {
	case model.IdentityAuthenticated:
		_, err = r.db.ExecContext(ctx,
			`INSERT INTO user_profiles (id, email, name, country, feeling, plan_tier,
				has_ever_trialed, last_reset_date, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::date, $9, $10)`,
			id.ID, id.Email, id.Name, id.Country, id.Feeling, string(id.Tier),
			id.HasEverTrialed, dateString(id.LastResetDate), id.CreatedAt, id.UpdatedAt,
		)
	case model.IdentityAnonymous:
		_, err = r.db.ExecContext(ctx,
			`INSERT INTO anonymous_devices (id, name, country, feeling, plan_tier,
				has_ever_trialed, last_reset_date, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::date, $8, $9)`,
			id.ID, id.Name, id.Country, id.Feeling, string(id.Tier),
			id.HasEverTrialed, dateString(id.LastResetDate), id.CreatedAt, id.UpdatedAt,
		)
	default:
		return fmt.Errorf("unknown identity kind: %q", id.Kind)
	}

	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("Identityの作成に失敗しました: %w", err)
	}
	return nil
}

// UpdatePlan はプラン区分とトライアル状態を更新する。
func (r *PostgresIdentityRepo) UpdatePlan(ctx context.Context, id *model.Identity) error {
	t, err := tableFor(id.Kind)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`UPDATE %s
		SET plan_tier = $2, trial_start_date = $3, trial_end_date = $4,
		    has_ever_trialed = $5, updated_at = now()
		WHERE id = $1`, t.name)

	result, err := r.db.ExecContext(ctx, query,
		id.ID, string(id.Tier), nullTime(id.TrialStartDate), nullTime(id.TrialEndDate), id.HasEverTrialed,
	)
	if err != nil {
		return fmt.Errorf("プランの更新に失敗しました: %w", err)
	}
	return requireRow(result)
}

// UpdateOnboarding は名前・国・気分を更新する。空の値は既存の値を維持する。
func (r *PostgresIdentityRepo) UpdateOnboarding(ctx context.Context, id *model.Identity) error {
	t, err := tableFor(id.Kind)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`UPDATE %s
		SET name = COALESCE(NULLIF($2, ''), name),
		    country = COALESCE(NULLIF($3, ''), country),
		    feeling = COALESCE(NULLIF($4, ''), feeling),
		    updated_at = now()%s
		WHERE id = $1`, t.name, t.revive)

	result, err := r.db.ExecContext(ctx, query, id.ID, id.Name, id.Country, id.Feeling)
	if err != nil {
		return fmt.Errorf("オンボーディング情報の更新に失敗しました: %w", err)
	}
	return requireRow(result)
}

// reserveQuery は予約用のUPDATE文を組み立てる。
// 日付が変わっていればカウンタを0として扱い、上限未満の場合のみ加算する。
// 判定と加算が1文で行われるため、同一行への同時予約は行ロックで直列化される。
func reserveQuery(t identityTable, column string) string {
	return fmt.Sprintf(`UPDATE %[1]s SET
		daily_messages_used = (CASE WHEN last_reset_date = $2::date THEN daily_messages_used ELSE 0 END) + $4,
		daily_voice_notes_used = (CASE WHEN last_reset_date = $2::date THEN daily_voice_notes_used ELSE 0 END) + $5,
		last_reset_date = $2::date,
		updated_at = now()%[3]s
	WHERE id = $1
	  AND ($3 < 0 OR (CASE WHEN last_reset_date = $2::date THEN %[2]s ELSE 0 END) < $3)
	RETURNING daily_messages_used, daily_voice_notes_used`, t.name, column, t.revive)
}

// Reserve はクォータを1件予約する。
// 上限に達している場合は reserved=false とロールオーバー後の現在値を返す。
func (r *PostgresIdentityRepo) Reserve(ctx context.Context, ref model.IdentityRef, kind model.UsageKind, max int, today time.Time) (model.Usage, bool, error) {
	t, err := tableFor(ref.Kind)
	if err != nil {
		return model.Usage{}, false, err
	}
	column, err := usageColumnFor(kind)
	if err != nil {
		return model.Usage{}, false, err
	}

	incMessages, incVoice := 1, 0
	if kind == model.UsageVoice {
		incMessages, incVoice = 0, 1
	}

	day := dateString(today)
	var used model.Usage
	err = r.db.QueryRowContext(ctx, reserveQuery(t, column),
		ref.ID, day, max, incMessages, incVoice,
	).Scan(&used.MessagesUsed, &used.VoiceNotesUsed)
	if err == nil {
		return used, true, nil
	}
	if err != sql.ErrNoRows {
		return model.Usage{}, false, fmt.Errorf("クォータの予約に失敗しました: %w", err)
	}

	// 上限到達またはIdentity不在
	query := fmt.Sprintf(`SELECT
			CASE WHEN last_reset_date = $2::date THEN daily_messages_used ELSE 0 END,
			CASE WHEN last_reset_date = $2::date THEN daily_voice_notes_used ELSE 0 END
		FROM %s WHERE id = $1`, t.name)
	err = r.db.QueryRowContext(ctx, query, ref.ID, day).Scan(&used.MessagesUsed, &used.VoiceNotesUsed)
	if err == sql.ErrNoRows {
		return model.Usage{}, false, ErrNotFound
	}
	if err != nil {
		return model.Usage{}, false, fmt.Errorf("利用状況の取得に失敗しました: %w", err)
	}
	return used, false, nil
}

// Release は同日内の予約を1件取り消す。日付が変わっている場合や0の場合は何もしない。
func (r *PostgresIdentityRepo) Release(ctx context.Context, ref model.IdentityRef, kind model.UsageKind, today time.Time) error {
	t, err := tableFor(ref.Kind)
	if err != nil {
		return err
	}
	column, err := usageColumnFor(kind)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`UPDATE %[1]s SET %[2]s = %[2]s - 1, updated_at = now()
		WHERE id = $1 AND last_reset_date = $2::date AND %[2]s > 0`, t.name, column)
	if _, err := r.db.ExecContext(ctx, query, ref.ID, dateString(today)); err != nil {
		return fmt.Errorf("クォータの払い戻しに失敗しました: %w", err)
	}
	return nil
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func dateString(t time.Time) string {
	return model.DateOnly(t).Format(time.DateOnly)
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// compile-time interface check
var (
	_ IdentityRepository = (*PostgresIdentityRepo)(nil)
	_ UsageRepository    = (*PostgresIdentityRepo)(nil)
)
