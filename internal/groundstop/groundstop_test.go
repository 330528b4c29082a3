package groundstop

import (
	"sync"
	"testing"
)

func TestGroundStop_GlobalTrigger(t *testing.T) {
	g := New(nil, nil)

	// Initially not held.
	held, _ := g.IsHeld("drone-1")
	if held {
		t.Fatal("expected not held initially")
	}

	g.TriggerGlobal("severe weather inbound", "api")

	held, msg := g.IsHeld("drone-1")
	if !held {
		t.Fatal("expected held after global trigger")
	}
	if msg != "global ground stop active" {
		t.Errorf("message = %q, want %q", msg, "global ground stop active")
	}

	// Every agent is held.
	held, _ = g.IsHeld("drone-99")
	if !held {
		t.Fatal("expected all agents held after global trigger")
	}
}

func TestGroundStop_GlobalReset(t *testing.T) {
	g := New(nil, nil)
	g.TriggerGlobal("test", "cli")

	g.ResetGlobal()

	held, _ := g.IsHeld("drone-1")
	if held {
		t.Fatal("expected not held after reset")
	}
}

func TestGroundStop_AgentTrigger(t *testing.T) {
	g := New(nil, nil)

	g.TriggerAgent("drone-1", "lost telemetry link", "api")

	held, msg := g.IsHeld("drone-1")
	if !held {
		t.Fatal("expected drone-1 held")
	}
	if msg == "" {
		t.Fatal("expected non-empty message")
	}

	held, _ = g.IsHeld("drone-2")
	if held {
		t.Fatal("expected drone-2 not held")
	}
}

func TestGroundStop_AgentReset(t *testing.T) {
	g := New(nil, nil)
	g.TriggerAgent("drone-1", "test", "api")

	g.ResetAgent("drone-1")

	held, _ := g.IsHeld("drone-1")
	if held {
		t.Fatal("expected not held after reset")
	}
}

func TestGroundStop_History(t *testing.T) {
	g := New(nil, nil)

	g.TriggerGlobal("first", "api")
	g.TriggerAgent("drone-1", "second", "cli")
	g.ResetGlobal()
	g.ResetAgent("drone-1")

	history := g.History()
	if len(history) != 2 {
		t.Fatalf("history has %d records, want 2", len(history))
	}
	if history[0].Scope != ScopeGlobal || history[1].Scope != ScopeAgent {
		t.Errorf("history scopes = [%s %s]", history[0].Scope, history[1].Scope)
	}
	// Resets never erase the audit trail.
	if history[1].AgentID != "drone-1" {
		t.Errorf("history[1].AgentID = %q, want drone-1", history[1].AgentID)
	}
}

func TestGroundStop_Status(t *testing.T) {
	g := New(nil, nil)
	g.TriggerAgent("drone-1", "test", "api")

	status := g.Status()
	if status["global_held"] != false {
		t.Error("global_held should be false")
	}
	holds, ok := status["agent_holds"].(map[string]HoldRecord)
	if !ok || len(holds) != 1 {
		t.Errorf("agent_holds = %v", status["agent_holds"])
	}
}

func TestGroundStop_ConcurrentAccess(t *testing.T) {
	g := New(nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				g.TriggerAgent("drone-1", "test", "api")
				g.ResetAgent("drone-1")
			} else {
				g.IsHeld("drone-1")
			}
		}(i)
	}
	wg.Wait()
}
