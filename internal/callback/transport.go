// Package callback is the paginated, authenticated delivery transport
// (spec C8): it serializes a result, splits oversized processed_data into
// ordered pages, signs each page with a short-lived bearer token scoped to
// the receiver's origin, and POSTs pages in strict index order, retrying
// each page independently through the retry harness.
package callback

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/Userport-ai/enrichment-worker/internal/ctxlog"
	"github.com/Userport-ai/enrichment-worker/internal/httppool"
	"github.com/Userport-ai/enrichment-worker/internal/resultstore"
	"github.com/Userport-ai/enrichment-worker/internal/retry"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// MaxPageBytes bounds the serialized processed_data per page (spec §6).
const MaxPageBytes = 750_000

// page is the wire body for one POST per §6's callback schema.
type page struct {
	JobID                string                   `json:"job_id"`
	TaskKind             string                   `json:"task_kind"`
	EntityID             string                   `json:"entity_id"`
	Status               string                   `json:"status"`
	Source               string                   `json:"source"`
	CompletionPercentage int                      `json:"completion_percentage"`
	ProcessedData        json.RawMessage          `json:"processed_data"`
	ErrorDetails         *resultstore.ErrorDetails `json:"error_details,omitempty"`
	PageIndex            int                      `json:"page_index"`
	PageCount            int                      `json:"page_count"`
	RequestID            string                   `json:"request_id"`
}

// Signer mints the short-lived bearer token attached to every page.
type Signer struct {
	issuer string
	secret []byte
	ttl    time.Duration
}

func NewSigner(issuer, secret string, ttl time.Duration) *Signer {
	if ttl <= 0 || ttl > 10*time.Minute {
		ttl = 10 * time.Minute
	}
	return &Signer{issuer: issuer, secret: []byte(secret), ttl: ttl}
}

func (s *Signer) sign(audience string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": s.issuer,
		"aud": audience,
		"iat": now.Unix(),
		"exp": now.Add(s.ttl).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(s.secret)
}

// Transport delivers results to a single configured receiver URL.
type Transport struct {
	url        string
	audience   string
	pool       *httppool.Pool
	signer     *Signer
	retryPolicy retry.Policy
}

// Config wires Transport dependencies.
type Config struct {
	ReceiverURL string
	Pool        *httppool.Pool
	Signer      *Signer
	RetryPolicy retry.Policy // defaults to 5 attempts, 500ms base, 30s cap if zero-valued
}

func New(cfg Config) (*Transport, error) {
	u, err := url.Parse(cfg.ReceiverURL)
	if err != nil {
		return nil, fmt.Errorf("callback: parse receiver url: %w", err)
	}
	rp := cfg.RetryPolicy
	if rp.MaxAttempts == 0 {
		rp = retry.Policy{MaxAttempts: 5, Base: 500 * time.Millisecond, Cap: 30 * time.Second, Jitter: 0.2}
	}
	return &Transport{
		url:         cfg.ReceiverURL,
		audience:    u.Scheme + "://" + u.Host,
		pool:        cfg.Pool,
		signer:      cfg.Signer,
		retryPolicy: rp,
	}, nil
}

// Deliver sends result to the receiver, splitting into ordered pages and
// sending each in turn; a later page is only attempted once the earlier
// page has been acknowledged (I4).
func (t *Transport) Deliver(ctx context.Context, idempotencyKey string, result resultstore.Result) error {
	pages := splitIntoPages(result, MaxPageBytes)
	for _, p := range pages {
		p.RequestID = requestID(idempotencyKey, p.PageIndex)
		if err := t.sendPage(ctx, p); err != nil {
			return fmt.Errorf("callback: page %d/%d: %w", p.PageIndex+1, p.PageCount, err)
		}
	}
	return nil
}

func (t *Transport) sendPage(ctx context.Context, p page) error {
	log := ctxlog.Logger(ctx)
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal page: %w", err)
	}

	return retry.Do(ctx, t.retryPolicy, func(ctx context.Context, attempt int) error {
		token, err := t.signer.sign(t.audience)
		if err != nil {
			return fmt.Errorf("sign token: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)

		host := req.URL.Host
		client, release, err := t.pool.Acquire(ctx, host)
		if err != nil {
			return retry.Retryable(fmt.Errorf("acquire connection: %w", err))
		}
		defer release()

		resp, err := client.Do(req)
		if err != nil {
			t.pool.RecordResult(host, false)
			return retry.Retryable(fmt.Errorf("http do: %w", err))
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		t.pool.RecordResult(host, resp.StatusCode < 500)

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		log.Warn("callback page rejected", zap.Int("status", resp.StatusCode), zap.Int("page_index", p.PageIndex))
		if isRetryableStatus(resp) {
			return retry.Retryable(fmt.Errorf("receiver returned %d", resp.StatusCode))
		}
		return fmt.Errorf("receiver returned %d (non-retryable)", resp.StatusCode)
	})
}

func isRetryableStatus(resp *http.Response) bool {
	if resp.StatusCode >= 500 {
		return true
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return resp.Header.Get("Retry-After") != ""
	}
	return false
}

func requestID(idempotencyKey string, pageIndex int) string {
	sum := sha256.Sum256([]byte(idempotencyKey + "|" + strconv.Itoa(pageIndex)))
	return hex.EncodeToString(sum[:])
}

func splitIntoPages(result resultstore.Result, maxBytes int) []page {
	base := page{
		JobID: result.JobID, TaskKind: result.TaskKind, EntityID: result.EntityID,
		Status: result.Status, Source: result.Source,
		CompletionPercentage: result.CompletionPercentage, ErrorDetails: result.ErrorDetails,
	}

	if len(result.ProcessedData) <= maxBytes {
		p := base
		p.ProcessedData = result.ProcessedData
		p.PageIndex, p.PageCount = 0, 1
		return []page{p}
	}

	chunks := splitProcessedData(result.ProcessedData, maxBytes)
	pages := make([]page, len(chunks))
	for i, c := range chunks {
		p := base
		p.ProcessedData = c
		p.PageIndex = i
		p.PageCount = len(chunks)
		pages[i] = p
	}
	return pages
}

// splitProcessedData splits an oversized processed_data payload into ordered
// pages. A top-level JSON array is split element-wise; a top-level JSON
// object with one or more array-valued fields (e.g. {"leads": [...]}) is
// split by descending into those list field(s), duplicating the object's
// non-list fields onto every page. Anything else is returned as a single
// oversized page — a scalar value cannot be split without losing meaning.
func splitProcessedData(data json.RawMessage, maxBytes int) []json.RawMessage {
	if chunks, ok := splitJSONArrayPages(data, maxBytes); ok {
		return chunks
	}
	if chunks, ok := splitObjectListFieldPages(data, maxBytes); ok {
		return chunks
	}
	return []json.RawMessage{data}
}

func splitJSONArrayPages(data json.RawMessage, maxBytes int) ([]json.RawMessage, bool) {
	if !isJSONArray(data) {
		return nil, false
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return nil, false
	}

	var chunks []json.RawMessage
	var current []json.RawMessage
	size := 2
	for _, e := range elems {
		es := len(e) + 1
		if len(current) > 0 && size+es > maxBytes {
			chunks = append(chunks, marshalElems(current))
			current = nil
			size = 2
		}
		current = append(current, e)
		size += es
	}
	if len(current) > 0 || len(chunks) == 0 {
		chunks = append(chunks, marshalElems(current))
	}
	return chunks, true
}

// splitObjectListFieldPages splits a JSON object by its array-valued
// field(s), aligning pages by element index across every list field and
// duplicating the object's non-list fields onto every page.
func splitObjectListFieldPages(data json.RawMessage, maxBytes int) ([]json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, false
	}

	type listField struct {
		key   string
		elems []json.RawMessage
	}
	var lists []listField
	base := make(map[string]json.RawMessage, len(obj))
	for k, v := range obj {
		if isJSONArray(v) {
			var elems []json.RawMessage
			if err := json.Unmarshal(v, &elems); err == nil {
				lists = append(lists, listField{key: k, elems: elems})
				continue
			}
		}
		base[k] = v
	}
	if len(lists) == 0 {
		return nil, false
	}
	sort.Slice(lists, func(i, j int) bool { return lists[i].key < lists[j].key })

	rowCount := 0
	for _, lf := range lists {
		if len(lf.elems) > rowCount {
			rowCount = len(lf.elems)
		}
	}

	template := make(map[string]json.RawMessage, len(base)+len(lists))
	for k, v := range base {
		template[k] = v
	}
	for _, lf := range lists {
		template[lf.key] = json.RawMessage("[]")
	}
	baseBytes, err := json.Marshal(template)
	if err != nil {
		return nil, false
	}
	baseOverhead := len(baseBytes)

	buildPage := func(lo, hi int) json.RawMessage {
		pageObj := make(map[string]json.RawMessage, len(base)+len(lists))
		for k, v := range base {
			pageObj[k] = v
		}
		for _, lf := range lists {
			end := hi
			if end > len(lf.elems) {
				end = len(lf.elems)
			}
			start := lo
			if start > end {
				start = end
			}
			pageObj[lf.key] = marshalElems(lf.elems[start:end])
		}
		b, _ := json.Marshal(pageObj)
		return json.RawMessage(b)
	}

	var chunks []json.RawMessage
	rowStart := 0
	currentRows := 0
	currentSize := baseOverhead
	for i := 0; i < rowCount; i++ {
		rowSize := 0
		for _, lf := range lists {
			if i < len(lf.elems) {
				rowSize += len(lf.elems[i]) + 1
			}
		}
		if currentRows > 0 && currentSize+rowSize > maxBytes {
			chunks = append(chunks, buildPage(rowStart, i))
			rowStart = i
			currentRows = 0
			currentSize = baseOverhead
		}
		currentSize += rowSize
		currentRows++
	}
	if currentRows > 0 || len(chunks) == 0 {
		chunks = append(chunks, buildPage(rowStart, rowCount))
	}
	return chunks, true
}

func isJSONArray(v json.RawMessage) bool {
	t := bytes.TrimSpace(v)
	return len(t) > 0 && t[0] == '['
}

func marshalElems(elems []json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, e := range elems {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(e)
	}
	buf.WriteByte(']')
	return json.RawMessage(buf.Bytes())
}
