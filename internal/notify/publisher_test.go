package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/pitabwire/procura/model"
)

type fakeConn struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (c *fakeConn) Publish(subj string, data []byte) error {
	if c.err != nil {
		return c.err
	}
	c.subjects = append(c.subjects, subj)
	c.payloads = append(c.payloads, data)
	return nil
}

type recordingPublisher struct {
	events []model.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev model.Event) error {
	p.events = append(p.events, ev)
	return p.err
}

func testEvent() model.Event {
	ac := &model.AuthContext{OrgID: "org-1", UserID: "alice", Role: model.RoleMember}
	return NewEvent(ac, "request.submitted", "procurement_request", "req-1", map[string]any{"status": "submitted"})
}

func TestNATSPublisher_subjectAndPayload(t *testing.T) {
	conn := &fakeConn{}
	p := NewNATSPublisher(conn, "procura")
	ev := testEvent()

	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if len(conn.subjects) != 1 || conn.subjects[0] != "procura.org-1.request.submitted" {
		t.Fatalf("subjects = %v", conn.subjects)
	}

	var got model.Event
	if err := json.Unmarshal(conn.payloads[0], &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if got.ID != ev.ID || got.SubjectID != "req-1" || got.ActorID != "alice" {
		t.Errorf("payload = %+v", got)
	}
}

func TestNATSPublisher_noPrefix(t *testing.T) {
	p := NewNATSPublisher(&fakeConn{}, "")
	if got := p.Subject(testEvent()); got != "org-1.request.submitted" {
		t.Errorf("Subject() = %q", got)
	}
}

func TestNATSPublisher_error(t *testing.T) {
	p := NewNATSPublisher(&fakeConn{err: errors.New("no responders")}, "procura")
	if err := p.Publish(context.Background(), testEvent()); err == nil {
		t.Fatal("expected error")
	}
}

func TestMulti_continuesAfterFailure(t *testing.T) {
	failing := &recordingPublisher{err: errors.New("boom")}
	ok := &recordingPublisher{}
	m := NewMulti(nil, nil, failing, nil, ok)

	err := m.Publish(context.Background(), testEvent())
	if err == nil {
		t.Fatal("expected joined error")
	}
	if len(ok.events) != 1 {
		t.Errorf("second publisher got %d events, want 1", len(ok.events))
	}
}

func TestNop(t *testing.T) {
	if err := (Nop{}).Publish(context.Background(), testEvent()); err != nil {
		t.Errorf("Nop.Publish() = %v", err)
	}
}
