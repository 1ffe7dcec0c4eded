package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/deskhubhq/deskhub/internal/platform"
	"github.com/deskhubhq/deskhub/internal/reconcile"
	"github.com/deskhubhq/deskhub/internal/sync"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const uniqueViolation = "23505"

// Postgres implements the reconcile and sync stores on a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ reconcile.Store = (*Postgres)(nil)
var _ sync.RecordStore = (*Postgres)(nil)

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Migrate applies all pending schema migrations against the DSN.
func Migrate(dsn string) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("init migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("init migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

func timestamptz(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: !t.IsZero()}
}

func fromTimestamptz(t pgtype.Timestamptz) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}

// --- customers ---

const customerColumns = `id, display_name, avatar_url, email, phone, locale, tags, metadata, status, created_at, updated_at`

func (p *Postgres) CreateCustomer(ctx context.Context, customer reconcile.Customer) (reconcile.Customer, error) {
	metadata, err := marshalJSON(customer.Metadata)
	if err != nil {
		return reconcile.Customer{}, fmt.Errorf("encode customer metadata: %w", err)
	}
	tags := customer.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO customers (`+customerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		customer.ID, customer.DisplayName, customer.AvatarURL, customer.Email,
		customer.Phone, customer.Locale, tags, metadata, string(customer.Status),
		timestamptz(customer.CreatedAt), timestamptz(customer.UpdatedAt),
	)
	if err != nil {
		return reconcile.Customer{}, fmt.Errorf("insert customer: %w", err)
	}
	return customer, nil
}

func (p *Postgres) GetCustomer(ctx context.Context, id string) (reconcile.Customer, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = $1`, id)
	return scanCustomer(row)
}

func (p *Postgres) UpdateCustomer(ctx context.Context, customer reconcile.Customer) (reconcile.Customer, error) {
	metadata, err := marshalJSON(customer.Metadata)
	if err != nil {
		return reconcile.Customer{}, fmt.Errorf("encode customer metadata: %w", err)
	}
	tags := customer.Tags
	if tags == nil {
		tags = []string{}
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE customers
		SET display_name = $2, avatar_url = $3, email = $4, phone = $5, locale = $6,
		    tags = $7, metadata = $8, status = $9, updated_at = $10
		WHERE id = $1`,
		customer.ID, customer.DisplayName, customer.AvatarURL, customer.Email,
		customer.Phone, customer.Locale, tags, metadata, string(customer.Status),
		timestamptz(customer.UpdatedAt),
	)
	if err != nil {
		return reconcile.Customer{}, fmt.Errorf("update customer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return reconcile.Customer{}, reconcile.ErrNotFound
	}
	return customer, nil
}

func scanCustomer(row pgx.Row) (reconcile.Customer, error) {
	var (
		customer  reconcile.Customer
		metadata  []byte
		status    string
		createdAt pgtype.Timestamptz
		updatedAt pgtype.Timestamptz
	)
	err := row.Scan(&customer.ID, &customer.DisplayName, &customer.AvatarURL,
		&customer.Email, &customer.Phone, &customer.Locale, &customer.Tags,
		&metadata, &status, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return reconcile.Customer{}, reconcile.ErrNotFound
		}
		return reconcile.Customer{}, fmt.Errorf("scan customer: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &customer.Metadata); err != nil {
			return reconcile.Customer{}, fmt.Errorf("decode customer metadata: %w", err)
		}
	}
	customer.Status = reconcile.CustomerStatus(status)
	customer.CreatedAt = fromTimestamptz(createdAt)
	customer.UpdatedAt = fromTimestamptz(updatedAt)
	return customer, nil
}

// --- platform links ---

const linkColumns = `id, customer_id, platform, native_id, profile, last_sync_at, created_at, updated_at`

func (p *Postgres) CreateLink(ctx context.Context, link reconcile.PlatformLink) (reconcile.PlatformLink, error) {
	profile, err := marshalJSON(link.Profile)
	if err != nil {
		return reconcile.PlatformLink{}, fmt.Errorf("encode link profile: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO platform_links (`+linkColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		link.ID, link.CustomerID, link.Platform.String(), link.NativeID, profile,
		timestamptz(link.LastSyncAt), timestamptz(link.CreatedAt), timestamptz(link.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return reconcile.PlatformLink{}, reconcile.ErrDuplicateLink
		}
		return reconcile.PlatformLink{}, fmt.Errorf("insert link: %w", err)
	}
	return link, nil
}

func (p *Postgres) GetLink(ctx context.Context, id string) (reconcile.PlatformLink, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+linkColumns+` FROM platform_links WHERE id = $1`, id)
	return scanLink(row)
}

func (p *Postgres) FindLinkByNativeID(ctx context.Context, platformType platform.Type, nativeID string) (reconcile.PlatformLink, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT `+linkColumns+` FROM platform_links
		WHERE platform = $1 AND native_id = $2`,
		platformType.String(), nativeID)
	return scanLink(row)
}

func (p *Postgres) FindLinkByCustomer(ctx context.Context, customerID string, platformType platform.Type) (reconcile.PlatformLink, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT `+linkColumns+` FROM platform_links
		WHERE customer_id = $1 AND platform = $2
		ORDER BY created_at LIMIT 1`,
		customerID, platformType.String())
	return scanLink(row)
}

func (p *Postgres) ListLinks(ctx context.Context) ([]reconcile.PlatformLink, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+linkColumns+` FROM platform_links ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	defer rows.Close()
	items := make([]reconcile.PlatformLink, 0)
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, link)
	}
	return items, rows.Err()
}

func (p *Postgres) UpdateLink(ctx context.Context, link reconcile.PlatformLink) (reconcile.PlatformLink, error) {
	profile, err := marshalJSON(link.Profile)
	if err != nil {
		return reconcile.PlatformLink{}, fmt.Errorf("encode link profile: %w", err)
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE platform_links
		SET profile = $2, last_sync_at = $3, updated_at = $4
		WHERE id = $1`,
		link.ID, profile, timestamptz(link.LastSyncAt), timestamptz(link.UpdatedAt),
	)
	if err != nil {
		return reconcile.PlatformLink{}, fmt.Errorf("update link: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return reconcile.PlatformLink{}, reconcile.ErrNotFound
	}
	return link, nil
}

func scanLink(row pgx.Row) (reconcile.PlatformLink, error) {
	var (
		link       reconcile.PlatformLink
		platformID string
		profile    []byte
		lastSync   pgtype.Timestamptz
		createdAt  pgtype.Timestamptz
		updatedAt  pgtype.Timestamptz
	)
	err := row.Scan(&link.ID, &link.CustomerID, &platformID, &link.NativeID,
		&profile, &lastSync, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return reconcile.PlatformLink{}, reconcile.ErrNotFound
		}
		return reconcile.PlatformLink{}, fmt.Errorf("scan link: %w", err)
	}
	if len(profile) > 0 {
		if err := json.Unmarshal(profile, &link.Profile); err != nil {
			return reconcile.PlatformLink{}, fmt.Errorf("decode link profile: %w", err)
		}
	}
	link.Platform = platform.Type(platformID)
	link.LastSyncAt = fromTimestamptz(lastSync)
	link.CreatedAt = fromTimestamptz(createdAt)
	link.UpdatedAt = fromTimestamptz(updatedAt)
	return link, nil
}

// --- messages ---

const messageColumns = `id, customer_id, platform, native_message_id, direction, content, read, metadata, created_at, updated_at`

func (p *Postgres) CreateMessage(ctx context.Context, message reconcile.Message) (reconcile.Message, error) {
	content, err := marshalJSON(message.Content)
	if err != nil {
		return reconcile.Message{}, fmt.Errorf("encode message content: %w", err)
	}
	metadata, err := marshalJSON(message.Metadata)
	if err != nil {
		return reconcile.Message{}, fmt.Errorf("encode message metadata: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		message.ID, message.CustomerID, message.Platform.String(), message.NativeMessageID,
		string(message.Direction), content, message.Read, metadata,
		timestamptz(message.CreatedAt), timestamptz(message.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return reconcile.Message{}, reconcile.ErrDuplicateMessage
		}
		return reconcile.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return message, nil
}

func (p *Postgres) GetMessage(ctx context.Context, id string) (reconcile.Message, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	return scanMessage(row)
}

func (p *Postgres) FindMessageByNativeID(ctx context.Context, platformType platform.Type, nativeMessageID string) (reconcile.Message, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE platform = $1 AND native_message_id = $2`,
		platformType.String(), nativeMessageID)
	return scanMessage(row)
}

func (p *Postgres) UpdateMessage(ctx context.Context, message reconcile.Message) (reconcile.Message, error) {
	content, err := marshalJSON(message.Content)
	if err != nil {
		return reconcile.Message{}, fmt.Errorf("encode message content: %w", err)
	}
	metadata, err := marshalJSON(message.Metadata)
	if err != nil {
		return reconcile.Message{}, fmt.Errorf("encode message metadata: %w", err)
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE messages
		SET direction = $2, content = $3, read = $4, metadata = $5, updated_at = $6
		WHERE id = $1`,
		message.ID, string(message.Direction), content, message.Read, metadata,
		timestamptz(message.UpdatedAt),
	)
	if err != nil {
		return reconcile.Message{}, fmt.Errorf("update message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return reconcile.Message{}, reconcile.ErrNotFound
	}
	return message, nil
}

func scanMessage(row pgx.Row) (reconcile.Message, error) {
	var (
		message    reconcile.Message
		platformID string
		direction  string
		content    []byte
		metadata   []byte
		createdAt  pgtype.Timestamptz
		updatedAt  pgtype.Timestamptz
	)
	err := row.Scan(&message.ID, &message.CustomerID, &platformID, &message.NativeMessageID,
		&direction, &content, &message.Read, &metadata, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return reconcile.Message{}, reconcile.ErrNotFound
		}
		return reconcile.Message{}, fmt.Errorf("scan message: %w", err)
	}
	if len(content) > 0 {
		if err := json.Unmarshal(content, &message.Content); err != nil {
			return reconcile.Message{}, fmt.Errorf("decode message content: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &message.Metadata); err != nil {
			return reconcile.Message{}, fmt.Errorf("decode message metadata: %w", err)
		}
	}
	message.Platform = platform.Type(platformID)
	message.Direction = platform.Direction(direction)
	message.CreatedAt = fromTimestamptz(createdAt)
	message.UpdatedAt = fromTimestamptz(updatedAt)
	return message, nil
}

// --- sync records ---

const recordColumns = `id, link_id, platform, status, started_at, finished_at,
	customers_created, customers_updated, messages_created, messages_updated,
	errors, reason, cancelled`

func (p *Postgres) CreateRecord(ctx context.Context, record sync.Record) (sync.Record, error) {
	errs, err := json.Marshal(record.Errors)
	if err != nil {
		return sync.Record{}, fmt.Errorf("encode sync errors: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO sync_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		record.ID, record.LinkID, record.Platform.String(), string(record.Status),
		timestamptz(record.StartedAt), timestamptz(record.FinishedAt),
		record.CustomersCreated, record.CustomersUpdated,
		record.MessagesCreated, record.MessagesUpdated,
		errs, record.Reason, record.Cancelled,
	)
	if err != nil {
		return sync.Record{}, fmt.Errorf("insert sync record: %w", err)
	}
	return record, nil
}

func (p *Postgres) GetRecord(ctx context.Context, id string) (sync.Record, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM sync_records WHERE id = $1`, id)
	return scanRecord(row)
}

func (p *Postgres) UpdateRecord(ctx context.Context, record sync.Record) (sync.Record, error) {
	errs, err := json.Marshal(record.Errors)
	if err != nil {
		return sync.Record{}, fmt.Errorf("encode sync errors: %w", err)
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE sync_records
		SET status = $2, finished_at = $3,
		    customers_created = $4, customers_updated = $5,
		    messages_created = $6, messages_updated = $7,
		    errors = $8, reason = $9, cancelled = $10
		WHERE id = $1`,
		record.ID, string(record.Status), timestamptz(record.FinishedAt),
		record.CustomersCreated, record.CustomersUpdated,
		record.MessagesCreated, record.MessagesUpdated,
		errs, record.Reason, record.Cancelled,
	)
	if err != nil {
		return sync.Record{}, fmt.Errorf("update sync record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return sync.Record{}, sync.ErrSyncNotFound
	}
	return record, nil
}

func (p *Postgres) ListRecordsByLink(ctx context.Context, linkID string, limit, offset int) ([]sync.Record, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+recordColumns+` FROM sync_records
		WHERE link_id = $1
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3`,
		linkID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list sync records: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (p *Postgres) ListUnfinishedRecords(ctx context.Context) ([]sync.Record, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+recordColumns+` FROM sync_records
		WHERE status IN ('pending', 'running')
		ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("list unfinished sync records: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func collectRecords(rows pgx.Rows) ([]sync.Record, error) {
	items := make([]sync.Record, 0)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, record)
	}
	return items, rows.Err()
}

func scanRecord(row pgx.Row) (sync.Record, error) {
	var (
		record     sync.Record
		platformID string
		status     string
		startedAt  pgtype.Timestamptz
		finishedAt pgtype.Timestamptz
		errs       []byte
	)
	err := row.Scan(&record.ID, &record.LinkID, &platformID, &status,
		&startedAt, &finishedAt,
		&record.CustomersCreated, &record.CustomersUpdated,
		&record.MessagesCreated, &record.MessagesUpdated,
		&errs, &record.Reason, &record.Cancelled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return sync.Record{}, sync.ErrSyncNotFound
		}
		return sync.Record{}, fmt.Errorf("scan sync record: %w", err)
	}
	if len(errs) > 0 {
		if err := json.Unmarshal(errs, &record.Errors); err != nil {
			return sync.Record{}, fmt.Errorf("decode sync errors: %w", err)
		}
	}
	record.Platform = platform.Type(platformID)
	record.Status = sync.Status(status)
	record.StartedAt = fromTimestamptz(startedAt)
	record.FinishedAt = fromTimestamptz(finishedAt)
	return record, nil
}
