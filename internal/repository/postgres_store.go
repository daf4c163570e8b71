package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/lib/pq"

	"github.com/crowdaid/crowdaid/internal/domain"
	"github.com/crowdaid/crowdaid/internal/geo"
	apperrors "github.com/crowdaid/crowdaid/pkg/errors"
)

// foreignKeyViolation is the SQLSTATE for a missing referenced row
const foreignKeyViolation = "23503"

const (
	requestsTable = "help_requests"
	messagesTable = "messages"
	usersTable    = "users"
)

var requestColumns = []interface{}{
	"id", "description", "requester_id", "volunteer_id", "address",
	"latitude", "longitude", "status", "created_at", "updated_at",
}

var messageColumns = []interface{}{
	"id", "content", "sender_id", "help_request_id", "created_at", "is_read",
}

var userColumns = []interface{}{
	"id", "display_name", "email", "phone", "address",
	"latitude", "longitude", "available", "created_at", "updated_at",
}

// Schema creates the tables used by PostgresStore. Messages reference their
// request without cascading; the lifecycle removes them explicitly before
// the request, and a message for a missing request is rejected.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id           TEXT PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	email        TEXT NOT NULL DEFAULT '',
	phone        TEXT NOT NULL DEFAULT '',
	address      TEXT NOT NULL DEFAULT '',
	latitude     DOUBLE PRECISION,
	longitude    DOUBLE PRECISION,
	available    BOOLEAN NOT NULL DEFAULT FALSE,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS help_requests (
	id           TEXT PRIMARY KEY,
	description  VARCHAR(1000) NOT NULL,
	requester_id TEXT NOT NULL,
	volunteer_id TEXT,
	address      TEXT NOT NULL,
	latitude     DOUBLE PRECISION NOT NULL,
	longitude    DOUBLE PRECISION NOT NULL,
	status       TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS help_requests_pending_geo
	ON help_requests (latitude, longitude) WHERE status = 'PENDING';
CREATE INDEX IF NOT EXISTS help_requests_requester ON help_requests (requester_id);
CREATE INDEX IF NOT EXISTS help_requests_volunteer ON help_requests (volunteer_id);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	content         VARCHAR(1000) NOT NULL,
	sender_id       TEXT NOT NULL,
	help_request_id TEXT NOT NULL REFERENCES help_requests (id),
	created_at      TIMESTAMPTZ NOT NULL,
	is_read         BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS messages_request_created ON messages (help_request_id, created_at);
`

// PostgresStore implements domain.Store on PostgreSQL
type PostgresStore struct {
	db     *sql.DB
	goqu   *goqu.Database
	logger *slog.Logger
}

// NewPostgresStore creates a store over an open connection pool
func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{
		db:     db,
		goqu:   goqu.New("postgres", db),
		logger: logger,
	}
}

// EnsureSchema creates missing tables and indexes
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return apperrors.NewInternalError("failed to apply schema", err)
	}
	return nil
}

func (s *PostgresStore) GetRequest(ctx context.Context, id string) (*domain.HelpRequest, error) {
	query, args, err := s.goqu.Select(requestColumns...).
		From(requestsTable).
		Where(goqu.Ex{"id": id}).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}

	req, err := scanRequest(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("help request %s not found", id))
	}
	if err != nil {
		return nil, apperrors.NewInternalError("failed to get help request", err)
	}
	return req, nil
}

func (s *PostgresStore) SaveRequest(ctx context.Context, req *domain.HelpRequest) error {
	record := requestRecord(req)
	query, args, err := s.goqu.Insert(requestsTable).
		Rows(record).
		OnConflict(goqu.DoUpdate("id", mutableRequestRecord(req))).
		ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build insert query", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return apperrors.NewInternalError("failed to save help request", err)
	}
	return nil
}

func (s *PostgresStore) DeleteRequest(ctx context.Context, id string) error {
	query, args, err := s.goqu.Delete(requestsTable).Where(goqu.Ex{"id": id}).ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build delete query", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return apperrors.NewInternalError("failed to delete help request", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.NewNotFoundError(fmt.Sprintf("help request %s not found", id))
	}
	return nil
}

func (s *PostgresStore) CompareAndSwapRequest(ctx context.Context, expected domain.Status, req *domain.HelpRequest) (bool, error) {
	query, args, err := s.goqu.Update(requestsTable).
		Set(mutableRequestRecord(req)).
		Where(goqu.Ex{"id": req.ID, "status": string(expected)}).
		ToSQL()
	if err != nil {
		return false, apperrors.NewInternalError("failed to build update query", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, apperrors.NewInternalError("failed to update help request", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.NewInternalError("failed to read update result", err)
	}
	if n == 1 {
		return true, nil
	}

	// Distinguish a lost race from a missing row.
	if _, err := s.GetRequest(ctx, req.ID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PostgresStore) FindPendingInBox(ctx context.Context, box geo.BoundingBox) ([]*domain.HelpRequest, error) {
	query, args, err := s.goqu.Select(requestColumns...).
		From(requestsTable).
		Where(
			goqu.Ex{"status": string(domain.StatusPending)},
			goqu.C("latitude").Between(goqu.Range(box.MinLat, box.MaxLat)),
			goqu.C("longitude").Between(goqu.Range(box.MinLng, box.MaxLng)),
		).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}
	return s.queryRequests(ctx, query, args)
}

func (s *PostgresStore) FindByParticipant(ctx context.Context, userID string) ([]*domain.HelpRequest, error) {
	query, args, err := s.goqu.Select(requestColumns...).
		From(requestsTable).
		Where(goqu.Or(
			goqu.Ex{"requester_id": userID},
			goqu.Ex{"volunteer_id": userID},
		)).
		Order(goqu.C("created_at").Desc()).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}
	return s.queryRequests(ctx, query, args)
}

func (s *PostgresStore) SaveMessage(ctx context.Context, msg *domain.Message) error {
	query, args, err := s.goqu.Insert(messagesTable).Rows(goqu.Record{
		"id":              msg.ID,
		"content":         msg.Content,
		"sender_id":       msg.SenderID,
		"help_request_id": msg.HelpRequestID,
		"created_at":      msg.CreatedAt,
		"is_read":         msg.Read,
	}).ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build insert query", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation {
			return apperrors.NewNotFoundError(fmt.Sprintf("help request %s not found", msg.HelpRequestID))
		}
		return apperrors.NewInternalError("failed to save message", err)
	}
	return nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, requestID string) ([]*domain.Message, error) {
	query, args, err := s.goqu.Select(messageColumns...).
		From(messagesTable).
		Where(goqu.Ex{"help_request_id": requestID}).
		Order(goqu.C("created_at").Asc()).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to list messages", err)
	}
	defer rows.Close()

	out := []*domain.Message{}
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.Content, &m.SenderID, &m.HelpRequestID, &m.CreatedAt, &m.Read); err != nil {
			return nil, apperrors.NewInternalError("failed to scan message", err)
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewInternalError("failed to iterate messages", err)
	}
	return out, nil
}

func (s *PostgresStore) CountUnread(ctx context.Context, requestID, readerID string) (int, error) {
	query, args, err := s.goqu.Select(goqu.COUNT("*")).
		From(messagesTable).
		Where(
			goqu.Ex{"help_request_id": requestID, "is_read": false},
			goqu.C("sender_id").Neq(readerID),
		).
		ToSQL()
	if err != nil {
		return 0, apperrors.NewInternalError("failed to build query", err)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, apperrors.NewInternalError("failed to count unread messages", err)
	}
	return n, nil
}

func (s *PostgresStore) MarkRead(ctx context.Context, requestID, readerID string) (int, error) {
	query, args, err := s.goqu.Update(messagesTable).
		Set(goqu.Record{"is_read": true}).
		Where(
			goqu.Ex{"help_request_id": requestID, "is_read": false},
			goqu.C("sender_id").Neq(readerID),
		).
		ToSQL()
	if err != nil {
		return 0, apperrors.NewInternalError("failed to build update query", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, apperrors.NewInternalError("failed to mark messages read", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.NewInternalError("failed to read update result", err)
	}
	return int(n), nil
}

func (s *PostgresStore) DeleteMessages(ctx context.Context, requestID string) error {
	query, args, err := s.goqu.Delete(messagesTable).Where(goqu.Ex{"help_request_id": requestID}).ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build delete query", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return apperrors.NewInternalError("failed to delete messages", err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*domain.User, error) {
	query, args, err := s.goqu.Select(userColumns...).
		From(usersTable).
		Where(goqu.Ex{"id": id}).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}

	var (
		u        domain.User
		lat, lng sql.NullFloat64
	)
	err = s.db.QueryRowContext(ctx, query, args...).Scan(
		&u.ID, &u.DisplayName, &u.Email, &u.Phone, &u.Address,
		&lat, &lng, &u.Available, &u.CreatedAt, &u.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("user %s not found", id))
	}
	if err != nil {
		return nil, apperrors.NewInternalError("failed to get user", err)
	}
	if lat.Valid && lng.Valid {
		u.Latitude = &lat.Float64
		u.Longitude = &lng.Float64
	}
	return &u, nil
}

func (s *PostgresStore) SaveUser(ctx context.Context, user *domain.User) error {
	mutable := goqu.Record{
		"display_name": user.DisplayName,
		"email":        user.Email,
		"phone":        user.Phone,
		"address":      user.Address,
		"latitude":     nullableFloat(user.Latitude),
		"longitude":    nullableFloat(user.Longitude),
		"available":    user.Available,
		"updated_at":   user.UpdatedAt,
	}
	record := goqu.Record{"id": user.ID, "created_at": user.CreatedAt}
	for k, v := range mutable {
		record[k] = v
	}

	query, args, err := s.goqu.Insert(usersTable).
		Rows(record).
		OnConflict(goqu.DoUpdate("id", mutable)).
		ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build insert query", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return apperrors.NewInternalError("failed to save user", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) queryRequests(ctx context.Context, query string, args []interface{}) ([]*domain.HelpRequest, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to query help requests", err)
	}
	defer rows.Close()

	out := []*domain.HelpRequest{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, apperrors.NewInternalError("failed to scan help request", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewInternalError("failed to iterate help requests", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*domain.HelpRequest, error) {
	var (
		req       domain.HelpRequest
		volunteer sql.NullString
		status    string
	)
	err := row.Scan(
		&req.ID, &req.Description, &req.RequesterID, &volunteer, &req.Address,
		&req.Latitude, &req.Longitude, &status, &req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if volunteer.Valid {
		req.VolunteerID = &volunteer.String
	}
	req.Status = domain.Status(status)
	return &req, nil
}

func requestRecord(req *domain.HelpRequest) goqu.Record {
	record := mutableRequestRecord(req)
	record["id"] = req.ID
	record["requester_id"] = req.RequesterID
	record["created_at"] = req.CreatedAt
	return record
}

// mutableRequestRecord holds the columns a lifecycle change may touch
func mutableRequestRecord(req *domain.HelpRequest) goqu.Record {
	return goqu.Record{
		"description":  req.Description,
		"volunteer_id": nullableString(req.VolunteerID),
		"address":      req.Address,
		"latitude":     req.Latitude,
		"longitude":    req.Longitude,
		"status":       string(req.Status),
		"updated_at":   req.UpdatedAt,
	}
}

func nullableString(v *string) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
