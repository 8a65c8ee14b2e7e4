package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"time"

	"expense-reports/pkg/auth"
	"expense-reports/pkg/job"
	"expense-reports/pkg/observability"
	"expense-reports/pkg/reporting"
)

func main() {
	logger := observability.NewLogger()
	slog.SetDefault(logger)

	apiURL := os.Getenv("API_URL")
	if apiURL == "" {
		apiURL = "http://api:8080"
	}
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		slog.Error("JWT_SECRET is required to sign requests")
		os.Exit(1)
	}

	ratePerSec := envInt("RATE_PER_SEC", 1)
	concurrency := envInt("CONCURRENCY", 1)
	users := envInt("SIM_USERS", 3)

	signer := auth.NewVerifier(secret)
	client := &http.Client{Timeout: 10 * time.Second}

	rps := ratePerSec / concurrency
	if rps < 1 {
		rps = 1
	}
	for i := 0; i < concurrency; i++ {
		go submitLoop(client, signer, apiURL, rps, users)
	}

	select {} // block forever
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func submitLoop(client *http.Client, signer *auth.Verifier, apiURL string, rps, users int) {
	ticker := time.NewTicker(time.Second / time.Duration(rps))
	for range ticker.C {
		userID := strconv.Itoa(rand.Intn(users) + 1)
		token, err := signer.Sign(userID, time.Hour)
		if err != nil {
			slog.Error("failed to sign token", "error", err)
			continue
		}

		view, err := submit(client, apiURL, token, randomRequest())
		if err != nil {
			slog.Warn("failed to submit report", "user_id", userID, "error", err)
			continue
		}
		slog.Info("submitted report", "report_id", view.ReportID, "user_id", userID)
		go poll(client, apiURL, token, view.ReportID)
	}
}

func randomRequest() reporting.SubmitRequest {
	var req reporting.SubmitRequest
	if rand.Intn(2) == 0 {
		end := time.Now().UTC()
		req.StartDate = end.AddDate(0, 0, -rand.Intn(60)-1).Format("2006-01-02")
		req.EndDate = end.Format("2006-01-02")
	}
	return req
}

func submit(client *http.Client, apiURL, token string, req reporting.SubmitRequest) (*job.View, error) {
	body, _ := json.Marshal(req)
	r, err := http.NewRequest(http.MethodPost, apiURL+"/api/reports", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Authorization", "Bearer "+token)
	return doView(client, r, http.StatusAccepted)
}

// poll follows a report until it settles, the way a client without a
// websocket would.
func poll(client *http.Client, apiURL, token, reportID string) {
	deadline := time.Now().Add(2 * time.Minute)
	for time.Now().Before(deadline) {
		time.Sleep(time.Second)
		r, err := http.NewRequest(http.MethodGet, apiURL+"/api/reports/"+reportID, nil)
		if err != nil {
			return
		}
		r.Header.Set("Authorization", "Bearer "+token)
		view, err := doView(client, r, http.StatusOK)
		if err != nil {
			slog.Warn("poll failed", "report_id", reportID, "error", err)
			continue
		}
		switch {
		case view.Status == job.StatusCompleted:
			slog.Info("report ready", "report_id", reportID, "download_url", view.DownloadURL, "attempts", view.Attempts)
			return
		case view.Status == job.StatusFailed && view.NextAttemptAt == nil:
			slog.Warn("report failed", "report_id", reportID, "reason", view.FailureReason)
			return
		}
	}
	slog.Warn("gave up polling", "report_id", reportID)
}

func doView(client *http.Client, r *http.Request, want int) (*job.View, error) {
	resp, err := client.Do(r)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var v job.View
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, err
	}
	return &v, nil
}
