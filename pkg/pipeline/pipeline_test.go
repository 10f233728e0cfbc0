package pipeline

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/seapen/seapen/pkg/kv"
	"github.com/seapen/seapen/pkg/markup"
	"github.com/seapen/seapen/pkg/sandbox"
	"github.com/seapen/seapen/pkg/store"
)

func newTestPipeline(t *testing.T) (*Pipeline, *store.Store) {
	t.Helper()
	kb, err := store.Open(kv.NewMemoryStore())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return New(kb, sandbox.NewExecutor(kb, 5*time.Second)), kb
}

func upsert(id, heading, content string) markup.EntityOp {
	return markup.EntityOp{Kind: markup.OpUpsert, ID: id, Heading: heading, Content: content, HasBody: true}
}

func TestRun_NUpsertsCreateNEntities(t *testing.T) {
	p, kb := newTestPipeline(t)

	set := &markup.OperationSet{}
	for i := 1; i <= 5; i++ {
		set.Tasks = append(set.Tasks, upsert(fmt.Sprintf("t%d", i), fmt.Sprintf("Task %d", i), "body"))
	}

	summary, err := p.Run(context.Background(), set)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(summary.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", summary.Errors)
	}
	if n := kb.Count(store.KindTask); n != 5 {
		t.Fatalf("expected 5 tasks, got %d", n)
	}
	for i := 1; i <= 5; i++ {
		e, ok := kb.Get(store.KindTask, fmt.Sprintf("t%d", i))
		if !ok {
			t.Fatalf("task t%d missing", i)
		}
		if e.Heading != fmt.Sprintf("Task %d", i) || e.Content != "body" {
			t.Errorf("task t%d mismatch: %+v", i, e)
		}
	}
}

func TestRun_DeleteUnknownReportedNotApplied(t *testing.T) {
	p, kb := newTestPipeline(t)

	set := &markup.OperationSet{
		Tasks: []markup.EntityOp{{Kind: markup.OpDelete, ID: "ghost"}},
	}
	summary, err := p.Run(context.Background(), set)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(summary.Errors) != 1 {
		t.Fatalf("expected 1 error, got %v", summary.Errors)
	}
	if !strings.Contains(summary.Errors[0], "ghost") {
		t.Errorf("error should name the identifier: %q", summary.Errors[0])
	}
	if kb.Count(store.KindTask) != 0 {
		t.Error("failed delete must not mutate the store")
	}
}

func TestRun_StageOrderVaultBeforeFinalOutput(t *testing.T) {
	p, kb := newTestPipeline(t)

	// The final output references a vault entry upserted in the same
	// response; the vault stage must land first.
	set := &markup.OperationSet{
		Vault:        []markup.EntityOp{upsert("v1", "Chart", "<svg/>")},
		FinalOutputs: []markup.FinalOutputOp{{HTML: "<div>{{vault:v1}}</div>"}},
	}
	summary, err := p.Run(context.Background(), set)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !summary.FinalStored {
		t.Fatal("final output not stored")
	}
	fo, ok := kb.FinalOutput()
	if !ok {
		t.Fatal("final output missing")
	}
	if fo.HTML != "<div><svg/></div>" {
		t.Errorf("vault reference not resolved: %q", fo.HTML)
	}
	if !fo.Verified || fo.Source != "model" {
		t.Errorf("expected verified model output, got %+v", fo)
	}
}

func TestRun_LastFinalOutputWins(t *testing.T) {
	p, kb := newTestPipeline(t)

	set := &markup.OperationSet{
		FinalOutputs: []markup.FinalOutputOp{{HTML: "<p>first</p>"}, {HTML: "<p>second</p>"}},
	}
	if _, err := p.Run(context.Background(), set); err != nil {
		t.Fatal(err)
	}
	fo, _ := kb.FinalOutput()
	if fo.HTML != "<p>second</p>" {
		t.Errorf("expected last block, got %q", fo.HTML)
	}
}

func TestRun_ScriptsSeeCommittedEntities(t *testing.T) {
	p, _ := newTestPipeline(t)

	set := &markup.OperationSet{
		Tasks:   []markup.EntityOp{upsert("t1", "Research", "body")},
		Scripts: []markup.ScriptOp{{Code: `get_task("t1")["heading"]`}},
	}
	summary, err := p.Run(context.Background(), set)
	if err != nil {
		t.Fatal(err)
	}
	if len(summary.ScriptResults) != 1 {
		t.Fatalf("expected 1 script result, got %d", len(summary.ScriptResults))
	}
	r := summary.ScriptResults[0]
	if !r.Success {
		t.Fatalf("script failed: %s", r.Err)
	}
	if !strings.Contains(r.Value, "Research") {
		t.Errorf("script should observe the committed task, got %q", r.Value)
	}
}

func TestRun_FailingScriptDoesNotHaltPipeline(t *testing.T) {
	p, _ := newTestPipeline(t)

	set := &markup.OperationSet{
		Scripts: []markup.ScriptOp{
			{Code: `undefined_function()`},
			{Code: `1 + 1`},
		},
	}
	summary, err := p.Run(context.Background(), set)
	if err != nil {
		t.Fatal(err)
	}
	if len(summary.ScriptResults) != 2 {
		t.Fatalf("both scripts must run, got %d results", len(summary.ScriptResults))
	}
	if summary.ScriptResults[0].Success {
		t.Error("first script should fail")
	}
	if !summary.ScriptResults[1].Success {
		t.Errorf("second script should still run: %s", summary.ScriptResults[1].Err)
	}
	if len(summary.Errors) == 0 {
		t.Error("script failure should appear in summary errors")
	}
}

func TestRun_VaultReadInjection(t *testing.T) {
	p, _ := newTestPipeline(t)

	set := &markup.OperationSet{
		Vault: []markup.EntityOp{
			upsert("v1", "Data", "0123456789"),
			{Kind: markup.OpRead, ID: "v1", Limit: 4},
			{Kind: markup.OpRead, ID: "missing"},
		},
	}
	summary, err := p.Run(context.Background(), set)
	if err != nil {
		t.Fatal(err)
	}
	if len(summary.VaultReads) != 2 {
		t.Fatalf("expected 2 vault reads, got %d", len(summary.VaultReads))
	}
	if summary.VaultReads[0].Content != "0123" {
		t.Errorf("limited read: %q", summary.VaultReads[0].Content)
	}
	if summary.VaultReads[1].Err == "" {
		t.Error("reading an unknown vault id must be an error")
	}
}

func TestRun_NotesOnlyPatchRequiresExistence(t *testing.T) {
	p, kb := newTestPipeline(t)

	// Patch against a missing identifier fails; a later run against the
	// created entity succeeds.
	patch := markup.EntityOp{Kind: markup.OpUpsert, ID: "m1", Notes: "annotated", HasNotes: true}
	summary, err := p.Run(context.Background(), &markup.OperationSet{Memories: []markup.EntityOp{patch}})
	if err != nil {
		t.Fatal(err)
	}
	if len(summary.Errors) != 1 {
		t.Fatalf("expected reference error, got %v", summary.Errors)
	}

	if _, err := p.Run(context.Background(), &markup.OperationSet{Memories: []markup.EntityOp{upsert("m1", "Note", "body")}}); err != nil {
		t.Fatal(err)
	}
	summary, err = p.Run(context.Background(), &markup.OperationSet{Memories: []markup.EntityOp{patch}})
	if err != nil {
		t.Fatal(err)
	}
	if len(summary.Errors) != 0 {
		t.Fatalf("patch after create should succeed: %v", summary.Errors)
	}
	e, _ := kb.Get(store.KindMemory, "m1")
	if e.Notes != "annotated" {
		t.Errorf("notes not applied: %+v", e)
	}
}

func TestRun_MissingIdentifierReported(t *testing.T) {
	p, _ := newTestPipeline(t)

	set := &markup.OperationSet{
		Tasks: []markup.EntityOp{{Kind: markup.OpUpsert, Heading: "H", Content: "C", HasBody: true}},
	}
	summary, err := p.Run(context.Background(), set)
	if err != nil {
		t.Fatal(err)
	}
	if len(summary.Errors) != 1 || !strings.Contains(summary.Errors[0], "missing identifier") {
		t.Fatalf("expected missing identifier error, got %v", summary.Errors)
	}
}
