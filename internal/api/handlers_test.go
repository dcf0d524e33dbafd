package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fitpulse/campaign-engine/internal/campaign"
	"github.com/fitpulse/campaign-engine/internal/enrollment"
	"github.com/fitpulse/campaign-engine/internal/intake"
	"github.com/fitpulse/campaign-engine/internal/schedule"
	"github.com/fitpulse/campaign-engine/internal/stats"
	"github.com/fitpulse/campaign-engine/internal/tracking"
)

func setupAPI(t *testing.T) (http.Handler, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	queue := schedule.NewQueue(redisClient)
	campaigns := campaign.NewStore(db, time.Minute)
	tracker := enrollment.NewTracker(enrollment.NewStore(db), queue)
	aggregator := stats.NewAggregator(db)
	eventIntake := intake.NewIntake(campaigns, tracker)
	processor := tracking.NewProcessor(tracker, aggregator)

	h := NewHandlers(eventIntake, processor, tracker, campaigns, aggregator, queue, nil, db, redisClient)
	return SetupRoutes(h), mock
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleEvent_RejectsBadPayloads(t *testing.T) {
	handler, _ := setupAPI(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"type":`},
		{"unknown type", `{"type":"squat_pr","recipient_id":"` + uuid.NewString() + `"}`},
		{"missing recipient", `{"type":"marathon_start"}`},
		{"manual without campaign", `{"type":"manual","recipient_id":"` + uuid.NewString() + `"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, handler, http.MethodPost, "/api/v1/events", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestHandleEvent_EnrollsAndAccepts(t *testing.T) {
	handler, mock := setupAPI(t)

	campaignID := uuid.New()
	recipientID := uuid.New()
	templateID := uuid.New()
	steps := `[{"id":"welcome","templateId":"` + templateID.String() + `","delay":{"amount":1,"unit":"hours"}}]`

	mock.ExpectQuery("SELECT (.+) FROM campaigns WHERE is_active AND trigger_type").
		WithArgs("marathon_start").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "description", "trigger_type", "trigger_marathon_id", "trigger_day_number", "steps", "is_active",
		}).AddRow(campaignID.String(), "Kickoff", "", "marathon_start", nil, nil, steps, true))
	mock.ExpectQuery("SELECT status FROM campaign_enrollments").
		WillReturnRows(sqlmock.NewRows([]string{"status"}))
	mock.ExpectQuery("INSERT INTO campaign_enrollments").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(uuid.New().String()))

	body := `{"type":"marathon_start","recipient_id":"` + recipientID.String() + `"}`
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/events", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["enrolled"] != 1 {
		t.Errorf("enrolled = %d, want 1", resp["enrolled"])
	}
}

func TestHandleCampaignStats(t *testing.T) {
	handler, mock := setupAPI(t)
	campaignID := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM campaign_stats").
		WithArgs(campaignID).
		WillReturnRows(sqlmock.NewRows([]string{"sent", "delivered", "opened", "clicked", "bounced", "failed", "unsubscribed", "updated_at"}).
			AddRow(100, 90, 40, 10, 2, 1, 3, time.Now()))

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/campaigns/"+campaignID.String()+"/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var st stats.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.Sent != 100 || st.OpenRate != 0.4 {
		t.Errorf("unexpected stats: %+v", st)
	}
}

func TestHandleCampaignStats_BadID(t *testing.T) {
	handler, _ := setupAPI(t)

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/campaigns/not-a-uuid/stats", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleValidateCampaign(t *testing.T) {
	handler, mock := setupAPI(t)

	columns := []string{"id", "name", "description", "trigger_type", "trigger_marathon_id", "trigger_day_number", "steps", "is_active"}

	t.Run("valid definition", func(t *testing.T) {
		campaignID := uuid.New()
		steps := `[{"id":"welcome","templateId":"` + uuid.NewString() + `","delay":{"amount":1,"unit":"hours"}}]`
		mock.ExpectQuery("SELECT (.+) FROM campaigns WHERE id").
			WithArgs(campaignID).
			WillReturnRows(sqlmock.NewRows(columns).
				AddRow(campaignID.String(), "Kickoff", "", "marathon_start", nil, nil, steps, true))

		rec := doJSON(t, handler, http.MethodPost, "/api/v1/campaigns/"+campaignID.String()+"/validate", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("forward condition reference", func(t *testing.T) {
		campaignID := uuid.New()
		steps := `[
			{"id":"first","templateId":"` + uuid.NewString() + `","delay":{"amount":1,"unit":"hours"},
				"condition":{"type":"opened","stepId":"second"}},
			{"id":"second","templateId":"` + uuid.NewString() + `","delay":{"amount":1,"unit":"days"}}
		]`
		mock.ExpectQuery("SELECT (.+) FROM campaigns WHERE id").
			WithArgs(campaignID).
			WillReturnRows(sqlmock.NewRows(columns).
				AddRow(campaignID.String(), "Broken", "", "marathon_start", nil, nil, steps, true))

		rec := doJSON(t, handler, http.MethodPost, "/api/v1/campaigns/"+campaignID.String()+"/validate", "")
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("status = %d, want 422: %s", rec.Code, rec.Body.String())
		}
		var resp struct {
			Valid bool   `json:"valid"`
			Error string `json:"error"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if resp.Valid || resp.Error == "" {
			t.Errorf("unexpected response: %+v", resp)
		}
	})

	t.Run("unknown campaign", func(t *testing.T) {
		campaignID := uuid.New()
		mock.ExpectQuery("SELECT (.+) FROM campaigns WHERE id").
			WithArgs(campaignID).
			WillReturnRows(sqlmock.NewRows(columns))

		rec := doJSON(t, handler, http.MethodPost, "/api/v1/campaigns/"+campaignID.String()+"/validate", "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})
}

func TestHandleUnsubscribe(t *testing.T) {
	handler, mock := setupAPI(t)
	recipientID := uuid.New()
	withDispatch := uuid.New()

	mock.ExpectQuery("UPDATE campaign_enrollments").
		WithArgs(recipientID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "campaign_id", "exists"}).
			AddRow(uuid.New().String(), withDispatch.String(), true).
			AddRow(uuid.New().String(), uuid.New().String(), false))
	// Only the enrollment that received mail bumps the unsubscribed counter.
	mock.ExpectExec("INSERT INTO campaign_stats").
		WithArgs(withDispatch).
		WillReturnResult(sqlmock.NewResult(0, 1))

	body := `{"recipient_id":"` + recipientID.String() + `"}`
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/unsubscribe", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["cancelled"] != 2 {
		t.Errorf("cancelled = %d, want 2", resp["cancelled"])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestHandleUnsubscribe_RequiresRecipient(t *testing.T) {
	handler, _ := setupAPI(t)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/unsubscribe", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleEngagementWebhook(t *testing.T) {
	handler, mock := setupAPI(t)

	t.Run("unknown message id is accepted", func(t *testing.T) {
		mock.ExpectQuery("UPDATE step_outcomes").
			WillReturnRows(sqlmock.NewRows([]string{"campaign_id", "enrollment_id", "step_id"}))

		body := `{"message_id":"msg-404","type":"open","timestamp":"2026-08-30T10:00:00Z"}`
		rec := doJSON(t, handler, http.MethodPost, "/webhooks/engagement", body)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("batch counts first-time opens", func(t *testing.T) {
		campaignID := uuid.New()
		mock.ExpectQuery("UPDATE step_outcomes").
			WillReturnRows(sqlmock.NewRows([]string{"campaign_id", "enrollment_id", "step_id"}).
				AddRow(campaignID.String(), uuid.New().String(), "welcome"))
		mock.ExpectExec("INSERT INTO campaign_stats").
			WithArgs(campaignID).
			WillReturnResult(sqlmock.NewResult(0, 1))

		body := `[{"message_id":"msg-1","type":"open","timestamp":"2026-08-30T10:00:00Z"}]`
		rec := doJSON(t, handler, http.MethodPost, "/webhooks/engagement", body)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
		}

		var resp map[string]int
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if resp["processed"] != 1 {
			t.Errorf("processed = %d, want 1", resp["processed"])
		}
	})

	t.Run("malformed body rejected", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPost, "/webhooks/engagement", `not json`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestHandleHealth(t *testing.T) {
	handler, mock := setupAPI(t)
	mock.ExpectPing()

	rec := doJSON(t, handler, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "healthy" {
		t.Errorf("status = %q, want healthy", resp.Status)
	}
}
