package audit

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresRepository_Log(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewPostgresRepository(db)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO audit_logs")).
		WithArgs(sqlmock.AnyArg(), "admin-1", EntityProfile, "u1", ActionGrantCredits, OutcomeSuccess, "req-1", "", "").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))

	log, err := repo.Log(context.Background(), Entry{
		ActorID:    "admin-1",
		EntityType: EntityProfile,
		EntityID:   "u1",
		Action:     ActionGrantCredits,
		RequestID:  "req-1",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, log.ID)
	assert.Equal(t, now, log.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_LogError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO audit_logs")).
		WillReturnError(errors.New("connection reset"))

	_, err = NewPostgresRepository(db).Log(context.Background(), Entry{
		EntityType: EntityProfile, EntityID: "u1", Action: ActionGrantCredits,
	})
	assert.ErrorContains(t, err, "failed to insert audit log")
}

func TestPostgresRepository_QueryByEntity(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	now := time.Now()

	cols := []string{"id", "actor_id", "entity_type", "entity_id", "action", "outcome", "created_at", "request_id", "ip_address", "user_agent"}
	mock.ExpectQuery(regexp.QuoteMeta("WHERE entity_type = $1 AND entity_id = $2")).
		WithArgs(EntityCheckoutSession, "sess_abc", 10).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("a2", "u1", EntityCheckoutSession, "sess_abc", ActionVerifySession, OutcomeSuccess, now, "req-2", "", "").
			AddRow("a1", "u1", EntityCheckoutSession, "sess_abc", ActionVerifySession, OutcomeFailure, now.Add(-time.Minute), "req-1", "", ""))

	logs, err := NewPostgresRepository(db).QueryByEntity(context.Background(), EntityCheckoutSession, "sess_abc", 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "a2", logs[0].ID)
	assert.Equal(t, OutcomeFailure, logs[1].Outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}
