// Package oracle decides whether a delivered item satisfies a job and
// produces poster images for the poster designer.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Request describes one deliverable under evaluation.
type Request struct {
	Kind         string `json:"kind"`
	JobID        string `json:"job_id"`
	ItemName     string `json:"item_name"`
	URL          string `json:"url,omitempty"`
	Requirements string `json:"requirements"`
}

// Verdict is the adjudicator's answer.
type Verdict struct {
	Matches         bool     `json:"matches"`
	Confidence      float64  `json:"confidence"`
	Explanation     string   `json:"explanation"`
	ElementsFound   []string `json:"elementsFound,omitempty"`
	MissingElements []string `json:"missingElements,omitempty"`
}

type Judge interface {
	Judge(ctx context.Context, req Request) (Verdict, error)
}

// ThresholdJudge passes a deliverable when a uniform draw falls below Threshold.
type ThresholdJudge struct {
	Threshold float64
	// Rand returns a value in [0,1). Defaults to a time-seeded source.
	Rand func() float64
}

var (
	defaultRandMu sync.Mutex
	defaultRand   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func defaultFloat() float64 {
	defaultRandMu.Lock()
	defer defaultRandMu.Unlock()
	return defaultRand.Float64()
}

func (j ThresholdJudge) Judge(ctx context.Context, req Request) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}
	draw := j.Rand
	if draw == nil {
		draw = defaultFloat
	}
	score := draw()
	v := Verdict{
		Matches:    score < j.Threshold,
		Confidence: 1 - score,
	}
	if v.Matches {
		v.Explanation = fmt.Sprintf("%s passed inspection (score %.2f, threshold %.2f)", req.ItemName, score, j.Threshold)
		v.ElementsFound = []string{req.ItemName}
	} else {
		v.Explanation = fmt.Sprintf("%s failed inspection (score %.2f, threshold %.2f)", req.ItemName, score, j.Threshold)
		v.MissingElements = []string{req.Requirements}
	}
	return v, nil
}

// HTTPJudge posts the request as JSON and expects a Verdict back.
type HTTPJudge struct {
	URL    string
	APIKey string
	Client *http.Client
}

func (j HTTPJudge) Judge(ctx context.Context, req Request) (Verdict, error) {
	var out Verdict
	if strings.TrimSpace(j.URL) == "" {
		return out, errors.New("oracle url is required")
	}
	if err := postJSON(ctx, j.Client, j.URL, j.APIKey, req, &out); err != nil {
		return out, fmt.Errorf("judge %s for %s: %w", req.ItemName, req.JobID, err)
	}
	return out, nil
}

func postJSON(ctx context.Context, client *http.Client, url, apiKey string, reqBody, out any) error {
	b, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("oracle request failed: %s %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
