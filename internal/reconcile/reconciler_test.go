package reconcile

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dunamismax/restoreflow/internal/domain"
	"github.com/dunamismax/restoreflow/internal/events"
	"github.com/dunamismax/restoreflow/internal/lifecycle"
	"github.com/dunamismax/restoreflow/internal/storage"
	"github.com/dunamismax/restoreflow/internal/store"
	"github.com/dunamismax/restoreflow/internal/webhook"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 30), G: uint8(y * 30), B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

type rig struct {
	store     *store.MemoryStore
	artifacts *storage.MemoryBucket
	staging   *storage.MemoryBucket
	hub       *events.Hub
	registry  *prometheus.Registry
	signer    *webhook.Signer
	rec       *Reconciler
	router    http.Handler
	cdn       *httptest.Server
	cdnHits   atomic.Int32
	image     []byte
}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{
		store:     store.NewMemoryStore(),
		artifacts: storage.NewMemoryBucket("artifacts"),
		staging:   storage.NewMemoryBucket("provider"),
		hub:       events.NewHub(16, zerolog.Nop()),
		registry:  prometheus.NewRegistry(),
		signer:    webhook.NewSigner("https://restore.example.com", "s3cret"),
		image:     pngBytes(t),
	}

	r.cdn = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.cdnHits.Add(1)
		switch req.URL.Path {
		case "/x.jpg":
			w.Header().Set("Content-Type", "image/jpeg")
			_, _ = w.Write([]byte("jpeg-bytes"))
		case "/noext":
			_, _ = w.Write(r.image)
		default:
			http.Error(w, "gone", http.StatusNotFound)
		}
	}))
	t.Cleanup(r.cdn.Close)

	finalizer := lifecycle.NewFinalizer(r.store, r.artifacts, nil, r.hub, zerolog.Nop())
	rec, err := New(Options{
		Store:      r.store,
		Finalizer:  finalizer,
		Fetcher:    NewFetcher(r.cdn.Client(), r.staging, 1<<20, time.Second),
		Signer:     r.signer,
		Logger:     zerolog.Nop(),
		Registerer: r.registry,
	})
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	r.rec = rec

	router := chi.NewRouter()
	router.Method(http.MethodPost, "/webhooks/runpod/{attempt_id}", rec.Handler("runpod"))
	router.Method(http.MethodPost, "/webhooks/replicate/{attempt_id}", rec.Handler("replicate"))
	r.router = router

	now := time.Now().UTC()
	if err := r.store.CreateJob(context.Background(), domain.Job{ID: "job-1", OwnerID: "u1", OriginalKey: domain.OriginalKey("job-1"), CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return r
}

// inFlight creates an attempt as the dispatcher would after the provider
// acknowledged it. An empty providerJobID leaves the acknowledgment unrecorded.
func (r *rig) inFlight(t *testing.T, providerName string, kind domain.AttemptKind, providerJobID string) domain.Attempt {
	t.Helper()
	ctx := context.Background()
	attemptID, err := r.store.CreateAttempt(ctx, store.CreateAttemptRequest{JobID: "job-1", Kind: kind, Provider: providerName})
	if err != nil {
		t.Fatalf("create attempt: %v", err)
	}
	if providerJobID != "" {
		if err := r.store.MergeParams(ctx, attemptID, domain.Params{domain.ParamProviderJobID: providerJobID}); err != nil {
			t.Fatalf("merge params: %v", err)
		}
	}
	attempt, err := r.store.GetAttempt(ctx, attemptID)
	if err != nil {
		t.Fatalf("get attempt: %v", err)
	}
	return attempt
}

func (r *rig) deliver(t *testing.T, providerName, attemptID, token, body string) (int, Ack) {
	t.Helper()
	target := "/webhooks/" + providerName + "/" + attemptID
	if token != "" {
		target += "?token=" + token
	}
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	rr := httptest.NewRecorder()
	r.router.ServeHTTP(rr, req)

	var ack Ack
	if err := json.Unmarshal(rr.Body.Bytes(), &ack); err != nil {
		t.Fatalf("decode ack %q: %v", rr.Body.String(), err)
	}
	return rr.Code, ack
}

func (r *rig) signed(t *testing.T, providerName, attemptID, body string) (int, Ack) {
	t.Helper()
	return r.deliver(t, providerName, attemptID, r.signer.Token(providerName, attemptID), body)
}

func (r *rig) attempt(t *testing.T, id string) domain.Attempt {
	t.Helper()
	attempt, err := r.store.GetAttempt(context.Background(), id)
	if err != nil {
		t.Fatalf("get attempt: %v", err)
	}
	return attempt
}

func (r *rig) job(t *testing.T) domain.Job {
	t.Helper()
	job, err := r.store.GetJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	return job
}

func TestPredictionSuccessFinalizesAttempt(t *testing.T) {
	r := newRig(t)
	attempt := r.inFlight(t, "replicate", domain.AttemptKindRestore, "pred_1")
	sub := r.hub.Subscribe("job-1")
	defer sub.Close()

	body := `{"id":"pred_1","status":"succeeded","output":"` + r.cdn.URL + `/x.jpg"}`
	code, ack := r.signed(t, "replicate", attempt.ID, body)
	if code != http.StatusOK || !ack.OK || ack.Result != ResultFinalized {
		t.Fatalf("unexpected ack %d %+v", code, ack)
	}

	stored := r.attempt(t, attempt.ID)
	wantKey := "jobs/job-1/restorations/" + attempt.ID + ".jpg"
	if key, ok := stored.Status.StorageKey(); !ok || key != wantKey {
		t.Fatalf("expected success at %s, got %s", wantKey, stored.Status)
	}
	if stored.Params.Get("provider_status") != "succeeded" {
		t.Fatalf("expected provider_status param, got %v", stored.Params)
	}
	data, err := r.artifacts.ReadObject(context.Background(), wantKey)
	if err != nil || string(data) != "jpeg-bytes" {
		t.Fatalf("expected persisted artifact, got %q err=%v", data, err)
	}
	if r.job(t).SelectedRestoreID != attempt.ID {
		t.Fatal("expected selected restore pointer to be set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	event, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("next event: %v", err)
	}
	if event.Type != domain.EventCompleted || event.Data.AttemptID != attempt.ID || event.Data.JobID != "job-1" {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestDuplicateDeliveryIsNoop(t *testing.T) {
	r := newRig(t)
	attempt := r.inFlight(t, "replicate", domain.AttemptKindRestore, "pred_1")
	body := `{"id":"pred_1","status":"succeeded","output":"` + r.cdn.URL + `/x.jpg"}`

	if code, ack := r.signed(t, "replicate", attempt.ID, body); code != http.StatusOK || ack.Result != ResultFinalized {
		t.Fatalf("first delivery: %d %+v", code, ack)
	}
	firstAttempt := r.attempt(t, attempt.ID)
	firstJob := r.job(t)
	hits := r.cdnHits.Load()

	code, ack := r.signed(t, "replicate", attempt.ID, body)
	if code != http.StatusNotFound || ack.Result != ResultNotFound {
		t.Fatalf("second delivery: %d %+v", code, ack)
	}

	secondAttempt := r.attempt(t, attempt.ID)
	if !secondAttempt.Status.Equal(firstAttempt.Status) || !secondAttempt.UpdatedAt.Equal(firstAttempt.UpdatedAt) {
		t.Fatalf("attempt changed on duplicate: %s -> %s", firstAttempt.Status, secondAttempt.Status)
	}
	if r.job(t) != firstJob {
		t.Fatal("job changed on duplicate delivery")
	}
	if r.cdnHits.Load() != hits {
		t.Fatal("duplicate delivery must not refetch the artifact")
	}
}

func TestConcurrentDuplicateDeliveriesFinalizeOnce(t *testing.T) {
	r := newRig(t)
	attempt := r.inFlight(t, "replicate", domain.AttemptKindRestore, "pred_1")
	body := `{"id":"pred_1","status":"succeeded","output":"` + r.cdn.URL + `/x.jpg"}`
	token := r.signer.Token("replicate", attempt.ID)

	var finalized, other atomic.Int32
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			ack := r.rec.Reconcile(context.Background(), "replicate", attempt.ID, token, []byte(body))
			switch ack.Result {
			case ResultFinalized:
				finalized.Add(1)
			case ResultDuplicate, ResultNotFound:
				other.Add(1)
			default:
				t.Errorf("unexpected ack %+v", ack)
			}
			return nil
		})
	}
	_ = g.Wait()

	if finalized.Load() != 1 || other.Load() != 7 {
		t.Fatalf("expected one winner, got finalized=%d other=%d", finalized.Load(), other.Load())
	}
	if !r.attempt(t, attempt.ID).Status.IsSuccess() {
		t.Fatal("attempt should have succeeded")
	}
}

func TestRunpodEmptyFilesIsNoOutput(t *testing.T) {
	r := newRig(t)
	attempt := r.inFlight(t, "runpod", domain.AttemptKindRestore, "rp_1")

	code, ack := r.signed(t, "runpod", attempt.ID, `{"id":"rp_1","status":"COMPLETED","output":{"files":[]}}`)
	if code != http.StatusOK || ack.Result != ResultFinalized {
		t.Fatalf("unexpected ack %d %+v", code, ack)
	}
	stored := r.attempt(t, attempt.ID)
	if stored.Status.Reason() != domain.FailureNoOutput {
		t.Fatalf("expected no_output, got %s", stored.Status)
	}
	if r.job(t).SelectedRestoreID != "" {
		t.Fatal("failed attempt must not be selected")
	}
}

func TestPredictionOutputWithoutReferenceIsNoOutput(t *testing.T) {
	for _, output := range []string{`[42]`, `{"foo":1}`, `null`} {
		r := newRig(t)
		attempt := r.inFlight(t, "replicate", domain.AttemptKindRestore, "pred_9")

		code, ack := r.signed(t, "replicate", attempt.ID, `{"id":"pred_9","status":"succeeded","output":`+output+`}`)
		if code != http.StatusOK || ack.Result != ResultFinalized {
			t.Fatalf("output %s: unexpected ack %d %+v", output, code, ack)
		}
		if stored := r.attempt(t, attempt.ID); stored.Status.Reason() != domain.FailureNoOutput {
			t.Fatalf("output %s: expected no_output, got %s", output, stored.Status)
		}
	}
}

func TestUnknownCorrelationIDMutatesNothing(t *testing.T) {
	r := newRig(t)
	attempt := r.inFlight(t, "runpod", domain.AttemptKindRestore, "rp_1")
	before := r.attempt(t, attempt.ID)

	code, ack := r.signed(t, "runpod", "att-unknown", `{"id":"rp_404","status":"COMPLETED","output":{"files":["x.png"]}}`)
	if code != http.StatusNotFound || ack.Result != ResultNotFound {
		t.Fatalf("unexpected ack %d %+v", code, ack)
	}
	code, ack = r.signed(t, "replicate", "att-unknown", `{"id":"pred_404","status":"failed","error":"x"}`)
	if code != http.StatusNotFound || ack.Result != ResultNotFound {
		t.Fatalf("unexpected ack %d %+v", code, ack)
	}

	after := r.attempt(t, attempt.ID)
	if !after.Status.Equal(before.Status) || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatal("unrelated attempt was mutated")
	}
	if len(r.artifacts.Keys()) != 0 {
		t.Fatalf("no artifact should be written, got %v", r.artifacts.Keys())
	}
	if got := testutil.ToFloat64(r.rec.webhooks.WithLabelValues("runpod", string(ResultNotFound))); got != 1 {
		t.Fatalf("expected not_found metric, got %v", got)
	}
}

func TestRunpodInlineAndBucketArtifacts(t *testing.T) {
	r := newRig(t)

	inline := r.inFlight(t, "runpod", domain.AttemptKindAnimation, "rp_inline")
	encoded := base64.StdEncoding.EncodeToString([]byte("GIF89a-frames"))
	body := `{"id":"rp_inline","status":"COMPLETED","output":{"files_with_data":[{"path":"out/anim.gif","data":"` + encoded + `"}]}}`
	if code, ack := r.signed(t, "runpod", inline.ID, body); code != http.StatusOK || ack.Result != ResultFinalized {
		t.Fatalf("inline delivery: %d %+v", code, ack)
	}
	key, ok := r.attempt(t, inline.ID).Status.StorageKey()
	if !ok || key != "jobs/job-1/animations/"+inline.ID+".gif" {
		t.Fatalf("unexpected inline status key %q", key)
	}
	if r.job(t).LatestAnimationID != inline.ID {
		t.Fatal("expected latest animation pointer")
	}

	if err := r.staging.WriteObject(context.Background(), "outputs/rp_bucket/result.png", r.image, "image/png"); err != nil {
		t.Fatalf("seed provider bucket: %v", err)
	}
	fromBucket := r.inFlight(t, "runpod", domain.AttemptKindRestore, "rp_bucket")
	body = `{"id":"rp_bucket","status":"COMPLETED","output":{"files":["/outputs/rp_bucket/result.png"]}}`
	if code, ack := r.signed(t, "runpod", fromBucket.ID, body); code != http.StatusOK || ack.Result != ResultFinalized {
		t.Fatalf("bucket delivery: %d %+v", code, ack)
	}
	key, _ = r.attempt(t, fromBucket.ID).Status.StorageKey()
	data, err := r.artifacts.ReadObject(context.Background(), key)
	if err != nil || !bytes.Equal(data, r.image) {
		t.Fatalf("expected provider bucket bytes at %s, err=%v", key, err)
	}
}

func TestArtifactRetrievalFailures(t *testing.T) {
	r := newRig(t)
	cases := []struct {
		name   string
		body   func(id string) string
		reason domain.FailureReason
	}{
		{
			name: "bad base64",
			body: func(id string) string {
				return `{"id":"` + id + `","status":"COMPLETED","output":{"files_with_data":[{"path":"a.png","data":"%%%"}]}}`
			},
			reason: domain.FailureDecode,
		},
		{
			name: "missing provider object",
			body: func(id string) string {
				return `{"id":"` + id + `","status":"COMPLETED","output":{"files":["outputs/missing.png"]}}`
			},
			reason: domain.FailureDownload,
		},
		{
			name: "url not found",
			body: func(id string) string {
				return `{"id":"` + id + `","status":"COMPLETED","output":{"files":["` + r.cdn.URL + `/gone.png"]}}`
			},
			reason: domain.FailureDownload,
		},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			providerJobID := "rp_fail_" + string(rune('a'+i))
			attempt := r.inFlight(t, "runpod", domain.AttemptKindRestore, providerJobID)
			if code, ack := r.signed(t, "runpod", attempt.ID, tc.body(providerJobID)); code != http.StatusOK || ack.Result != ResultFinalized {
				t.Fatalf("unexpected ack %d %+v", code, ack)
			}
			if got := r.attempt(t, attempt.ID).Status.Reason(); got != tc.reason {
				t.Fatalf("expected %s, got %s", tc.reason, got)
			}
		})
	}
}

func TestSniffsExtensionWhenURLHasNone(t *testing.T) {
	r := newRig(t)
	attempt := r.inFlight(t, "replicate", domain.AttemptKindRestore, "pred_1")
	body := `{"id":"pred_1","status":"succeeded","output":["` + r.cdn.URL + `/noext"]}`
	if code, ack := r.signed(t, "replicate", attempt.ID, body); code != http.StatusOK || ack.Result != ResultFinalized {
		t.Fatalf("unexpected ack %d %+v", code, ack)
	}
	key, _ := r.attempt(t, attempt.ID).Status.StorageKey()
	if !strings.HasSuffix(key, ".png") {
		t.Fatalf("expected sniffed png key, got %s", key)
	}
	if r.artifacts.ContentType(key) != "image/png" {
		t.Fatalf("unexpected content type %s", r.artifacts.ContentType(key))
	}
}

func TestProviderFailureAndCancellation(t *testing.T) {
	r := newRig(t)

	failed := r.inFlight(t, "replicate", domain.AttemptKindRestore, "pred_f")
	r.signed(t, "replicate", failed.ID, `{"id":"pred_f","status":"failed","error":"model crashed"}`)
	status := r.attempt(t, failed.ID).Status
	if status.Reason() != domain.FailureProvider || status.Message() != "model crashed" {
		t.Fatalf("unexpected failure status %s %q", status, status.Message())
	}

	canceled := r.inFlight(t, "runpod", domain.AttemptKindAnimation, "rp_c")
	sub := r.hub.Subscribe("job-1")
	defer sub.Close()
	r.signed(t, "runpod", canceled.ID, `{"id":"rp_c","status":"CANCELLED"}`)
	if got := r.attempt(t, canceled.ID).Status.Kind(); got != domain.StatusCanceled {
		t.Fatalf("expected canceled, got %s", got)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	event, err := sub.Next(ctx)
	if err != nil || event.Type != domain.EventAnimationFailed {
		t.Fatalf("expected animation_failed event, got %+v err=%v", event, err)
	}
}

func TestProgressLeavesAttemptInFlight(t *testing.T) {
	r := newRig(t)
	attempt := r.inFlight(t, "replicate", domain.AttemptKindRestore, "pred_1")

	code, ack := r.signed(t, "replicate", attempt.ID, `{"id":"pred_1","status":"processing"}`)
	if code != http.StatusOK || !ack.OK || ack.Result != ResultProgress {
		t.Fatalf("unexpected ack %d %+v", code, ack)
	}
	after := r.attempt(t, attempt.ID)
	if after.Status.IsTerminal() || !after.UpdatedAt.Equal(attempt.UpdatedAt) {
		t.Fatal("progress must not mutate the attempt")
	}
}

func TestMalformedPayloadIsSoftAcknowledged(t *testing.T) {
	r := newRig(t)
	attempt := r.inFlight(t, "replicate", domain.AttemptKindRestore, "pred_1")

	code, ack := r.signed(t, "replicate", attempt.ID, `{"status":`)
	if code != http.StatusOK || ack.OK || ack.Result != ResultInvalid || ack.Error == "" {
		t.Fatalf("unexpected ack %d %+v", code, ack)
	}
	if r.attempt(t, attempt.ID).Status.IsTerminal() {
		t.Fatal("invalid payload must not finalize the attempt")
	}
}

func TestCallbackTokenIsVerified(t *testing.T) {
	r := newRig(t)
	attempt := r.inFlight(t, "replicate", domain.AttemptKindRestore, "pred_1")
	body := `{"id":"pred_1","status":"failed","error":"x"}`

	code, ack := r.deliver(t, "replicate", attempt.ID, "forged", body)
	if code != http.StatusUnauthorized || ack.Result != ResultUnauthorized {
		t.Fatalf("unexpected ack %d %+v", code, ack)
	}
	// A token minted for another attempt does not transfer.
	other := r.inFlight(t, "replicate", domain.AttemptKindRestore, "pred_2")
	code, _ = r.deliver(t, "replicate", attempt.ID, r.signer.Token("replicate", other.ID), body)
	if code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
	if r.attempt(t, attempt.ID).Status.IsTerminal() {
		t.Fatal("unauthorized callback must not finalize")
	}
}

func TestRunpodFallsBackToPathBeforeAcknowledgmentIsRecorded(t *testing.T) {
	r := newRig(t)
	unrecorded := r.inFlight(t, "runpod", domain.AttemptKindRestore, "")

	body := `{"id":"rp_fast","status":"COMPLETED","output":{"files":["` + r.cdn.URL + `/x.jpg"]}}`
	if code, ack := r.signed(t, "runpod", unrecorded.ID, body); code != http.StatusOK || ack.Result != ResultFinalized {
		t.Fatalf("unexpected ack %d %+v", code, ack)
	}
	if !r.attempt(t, unrecorded.ID).Status.IsSuccess() {
		t.Fatal("expected path fallback to finalize the attempt")
	}

	// A recorded attempt only answers to its own provider job id.
	recorded := r.inFlight(t, "runpod", domain.AttemptKindRestore, "rp_real")
	body = `{"id":"rp_other","status":"FAILED","error":"x"}`
	if code, _ := r.signed(t, "runpod", recorded.ID, body); code != http.StatusNotFound {
		t.Fatalf("expected 404 for mismatched provider id, got %d", code)
	}
	if r.attempt(t, recorded.ID).Status.IsTerminal() {
		t.Fatal("mismatched callback must not finalize")
	}
}

func TestReplicateRejectsMismatchedPredictionAndProvider(t *testing.T) {
	r := newRig(t)
	attempt := r.inFlight(t, "replicate", domain.AttemptKindRestore, "pred_1")

	if code, _ := r.signed(t, "replicate", attempt.ID, `{"id":"pred_2","status":"failed","error":"x"}`); code != http.StatusNotFound {
		t.Fatalf("expected 404 for mismatched prediction, got %d", code)
	}

	runpodAttempt := r.inFlight(t, "runpod", domain.AttemptKindRestore, "rp_1")
	if code, _ := r.signed(t, "replicate", runpodAttempt.ID, `{"id":"rp_1","status":"failed","error":"x"}`); code != http.StatusNotFound {
		t.Fatalf("expected 404 for callback on another provider's attempt, got %d", code)
	}
	if r.attempt(t, attempt.ID).Status.IsTerminal() || r.attempt(t, runpodAttempt.ID).Status.IsTerminal() {
		t.Fatal("no attempt should be finalized")
	}
}
