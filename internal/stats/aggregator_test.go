package stats

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/fitpulse/campaign-engine/internal/enrollment"
)

func setupAggregator(t *testing.T) (*Aggregator, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return NewAggregator(db), mock
}

func TestOnDispatch_CountsSentPlusState(t *testing.T) {
	agg, mock := setupAggregator(t)
	ctx := context.Background()
	campaignID := uuid.New()

	// A plain 'sent' handoff bumps only the sent counter.
	mock.ExpectExec("INSERT INTO campaign_stats").
		WithArgs(campaignID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := agg.OnDispatch(ctx, campaignID, enrollment.DeliverySent); err != nil {
		t.Fatal(err)
	}

	// A synchronous failure bumps sent and failed together.
	mock.ExpectExec("INSERT INTO campaign_stats").
		WithArgs(campaignID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := agg.OnDispatch(ctx, campaignID, enrollment.DeliveryFailed); err != nil {
		t.Fatal(err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestOnEngagement_RejectsUnknownKind(t *testing.T) {
	agg, _ := setupAggregator(t)

	if err := agg.OnEngagement(context.Background(), uuid.New(), "stared"); err == nil {
		t.Error("unknown engagement kind must be rejected")
	}
}

func TestGet_ZeroRowMeansZeroCounters(t *testing.T) {
	agg, mock := setupAggregator(t)
	campaignID := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM campaign_stats").
		WithArgs(campaignID).
		WillReturnRows(sqlmock.NewRows([]string{"sent", "delivered", "opened", "clicked", "bounced", "failed", "unsubscribed", "updated_at"}))

	st, err := agg.Get(context.Background(), campaignID)
	if err != nil {
		t.Fatal(err)
	}
	if st.Sent != 0 || st.OpenRate != 0 {
		t.Errorf("expected zero stats, got %+v", st)
	}
}

func TestGet_DerivesRates(t *testing.T) {
	agg, mock := setupAggregator(t)
	campaignID := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM campaign_stats").
		WithArgs(campaignID).
		WillReturnRows(sqlmock.NewRows([]string{"sent", "delivered", "opened", "clicked", "bounced", "failed", "unsubscribed", "updated_at"}).
			AddRow(200, 180, 50, 10, 5, 2, 3, time.Now()))

	st, err := agg.Get(context.Background(), campaignID)
	if err != nil {
		t.Fatal(err)
	}
	if st.OpenRate != 0.25 {
		t.Errorf("open rate = %v, want 0.25", st.OpenRate)
	}
	if st.ClickRate != 0.05 {
		t.Errorf("click rate = %v, want 0.05", st.ClickRate)
	}
}

func TestRecompute_UpsertsFromOutcomeTables(t *testing.T) {
	agg, mock := setupAggregator(t)
	campaignID := uuid.New()

	mock.ExpectExec("INSERT INTO campaign_stats").
		WithArgs(campaignID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := agg.Recompute(context.Background(), campaignID); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
