package tracking

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockIngestor(t *testing.T) (*Ingestor, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewIngestor(db), mock
}

func sendRow(sendID, campaignID string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "campaign_id"}).AddRow(sendID, campaignID)
}

func TestRecordOpen_FirstOpen(t *testing.T) {
	ing, mock := newMockIngestor(t)

	mock.ExpectBegin()
	// The CAS wins: a row comes back.
	mock.ExpectQuery("UPDATE email_sends SET opened_at").
		WithArgs("trk-1").
		WillReturnRows(sendRow("send-1", "camp-1"))
	mock.ExpectExec("unique_opens = unique_opens").
		WithArgs("camp-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO email_events").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	unique, err := ing.RecordOpen(context.Background(), "trk-1", Meta{IP: "1.2.3.4"})
	require.NoError(t, err)
	assert.True(t, unique)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordOpen_RepeatOpen(t *testing.T) {
	ing, mock := newMockIngestor(t)

	mock.ExpectBegin()
	// CAS misses (opened_at already set), the plain lookup resolves.
	mock.ExpectQuery("UPDATE email_sends SET opened_at").
		WithArgs("trk-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "campaign_id"}))
	mock.ExpectQuery("SELECT id, campaign_id FROM email_sends").
		WithArgs("trk-1").
		WillReturnRows(sendRow("send-1", "camp-1"))
	mock.ExpectExec("SET open_count = open_count").
		WithArgs("camp-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO email_events").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	unique, err := ing.RecordOpen(context.Background(), "trk-1", Meta{})
	require.NoError(t, err)
	assert.False(t, unique, "repeat opens bump the total only")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordOpen_UnknownTracking(t *testing.T) {
	ing, mock := newMockIngestor(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE email_sends SET opened_at").
		WillReturnRows(sqlmock.NewRows([]string{"id", "campaign_id"}))
	mock.ExpectQuery("SELECT id, campaign_id FROM email_sends").
		WillReturnRows(sqlmock.NewRows([]string{"id", "campaign_id"}))
	mock.ExpectRollback()

	_, err := ing.RecordOpen(context.Background(), "trk-nope", Meta{})
	assert.ErrorIs(t, err, ErrUnknownTracking)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordClick_FirstClick(t *testing.T) {
	ing, mock := newMockIngestor(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE email_sends SET clicked_at").
		WithArgs("trk-1").
		WillReturnRows(sendRow("send-1", "camp-1"))
	mock.ExpectExec("unique_clicks = unique_clicks").
		WithArgs("camp-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO email_events").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	unique, err := ing.RecordClick(context.Background(), "trk-1", "https://acme.test/shop", Meta{})
	require.NoError(t, err)
	assert.True(t, unique)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnsubscribe_WithRecentSend(t *testing.T) {
	ing, mock := newMockIngestor(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE subscribers SET unsubscribed").
		WithArgs("user@example.test").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id, campaign_id FROM email_sends").
		WithArgs("user@example.test").
		WillReturnRows(sendRow("send-1", "camp-1"))
	// Event insert lands, so the counter moves with it.
	mock.ExpectExec("INSERT INTO email_events").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("unsubscribe_count = unsubscribe_count").
		WithArgs("camp-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, ing.Unsubscribe(context.Background(), "user@example.test"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnsubscribe_RepeatDoesNotDoubleCount(t *testing.T) {
	ing, mock := newMockIngestor(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE subscribers SET unsubscribed").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id, campaign_id FROM email_sends").
		WillReturnRows(sendRow("send-1", "camp-1"))
	// ON CONFLICT DO NOTHING: zero rows, so no counter update follows.
	mock.ExpectExec("INSERT INTO email_events").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, ing.Unsubscribe(context.Background(), "user@example.test"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnsubscribe_UnknownAddressSucceeds(t *testing.T) {
	ing, mock := newMockIngestor(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE subscribers SET unsubscribed").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, campaign_id FROM email_sends").
		WillReturnRows(sqlmock.NewRows([]string{"id", "campaign_id"}))
	mock.ExpectCommit()

	require.NoError(t, ing.Unsubscribe(context.Background(), "stranger@example.test"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnsubscribeByTracking(t *testing.T) {
	ing, mock := newMockIngestor(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, campaign_id, email FROM email_sends").
		WithArgs("trk-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "campaign_id", "email"}).
			AddRow("send-1", "camp-1", "user@example.test"))
	mock.ExpectExec("UPDATE subscribers SET unsubscribed").
		WithArgs("user@example.test").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO email_events").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("unsubscribe_count = unsubscribe_count").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, ing.UnsubscribeByTracking(context.Background(), "trk-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
