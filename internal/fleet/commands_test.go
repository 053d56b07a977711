package fleet

import (
	"errors"
	"testing"
	"time"
)

func TestEnqueueUnknownMachine(t *testing.T) {
	s, _ := testStore(t)
	if _, err := s.EnqueueCommand("ghost", "restart", nil); !errors.Is(err, ErrUnknownMachine) {
		t.Errorf("expected ErrUnknownMachine, got %v", err)
	}
}

func TestCommandRoundTrip(t *testing.T) {
	s, _ := testStore(t)
	s.Update("M1", nil, map[string]any{"cpu": 0.1})

	id, err := s.EnqueueCommand("M1", "restart", map[string]any{"force": true})
	if err != nil {
		t.Fatalf("EnqueueCommand failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty command id")
	}

	t.Run("deliver drains the queue", func(t *testing.T) {
		cmds := s.DeliverPending("M1")
		if len(cmds) != 1 {
			t.Fatalf("expected 1 command, got %d", len(cmds))
		}
		c := cmds[0]
		if c.ID != id || c.Action != "restart" || c.Status != CommandDelivered {
			t.Errorf("unexpected command %+v", c)
		}
		if c.DeliveredAt == nil {
			t.Error("delivered-at should be set")
		}
		if c.Params["force"] != true {
			t.Errorf("params lost: %+v", c.Params)
		}

		// Second poll returns nothing: at-most-once delivery.
		if again := s.DeliverPending("M1"); len(again) != 0 {
			t.Errorf("expected empty second delivery, got %d", len(again))
		}
	})

	t.Run("ack completes the command", func(t *testing.T) {
		if err := s.AckCommand(id, map[string]any{"ok": true}); err != nil {
			t.Fatalf("AckCommand failed: %v", err)
		}
		cmd, err := s.GetCommand(id)
		if err != nil {
			t.Fatalf("GetCommand failed: %v", err)
		}
		if cmd.Status != CommandAcknowledged || cmd.AcknowledgedAt == nil {
			t.Errorf("unexpected state %+v", cmd)
		}
		if cmd.Result["ok"] != true {
			t.Errorf("result lost: %+v", cmd.Result)
		}
	})

	t.Run("second ack fails", func(t *testing.T) {
		if err := s.AckCommand(id, nil); !errors.Is(err, ErrBadCommand) {
			t.Errorf("expected ErrBadCommand, got %v", err)
		}
	})
}

func TestAckUnknownCommand(t *testing.T) {
	s, _ := testStore(t)
	if err := s.AckCommand("no-such-id", nil); !errors.Is(err, ErrBadCommand) {
		t.Errorf("expected ErrBadCommand, got %v", err)
	}
}

func TestAckBeforeDelivery(t *testing.T) {
	s, _ := testStore(t)
	s.Update("M1", nil, nil)
	id, _ := s.EnqueueCommand("M1", "restart", nil)

	// Pending commands are not ackable; only delivered ones are indexed.
	if err := s.AckCommand(id, nil); !errors.Is(err, ErrBadCommand) {
		t.Errorf("expected ErrBadCommand for pending command, got %v", err)
	}
}

func TestDeliveryInsertionOrder(t *testing.T) {
	s, _ := testStore(t)
	s.Update("M1", nil, nil)

	id1, _ := s.EnqueueCommand("M1", "first", nil)
	id2, _ := s.EnqueueCommand("M1", "second", nil)
	id3, _ := s.EnqueueCommand("M1", "third", nil)

	cmds := s.DeliverPending("M1")
	if len(cmds) != 3 {
		t.Fatalf("expected 3 commands, got %d", len(cmds))
	}
	if cmds[0].ID != id1 || cmds[1].ID != id2 || cmds[2].ID != id3 {
		t.Error("commands should arrive in insertion order")
	}
}

func TestReportDeliversOnSameRoundTrip(t *testing.T) {
	s, _ := testStore(t)
	s.Update("M1", nil, map[string]any{"cpu": 0.1})
	id, _ := s.EnqueueCommand("M1", "restart", nil)

	cmds := s.Report("M1", nil, map[string]any{"cpu": 0.2})
	if len(cmds) != 1 || cmds[0].ID != id {
		t.Fatalf("report should return queued commands, got %+v", cmds)
	}

	snap, _ := s.Get("M1")
	if snap.Metrics["cpu"] != 0.2 {
		t.Error("report should also update metrics")
	}
}

func TestExpireCommands(t *testing.T) {
	s, clk := testStore(t) // TTL 10 min

	s.Update("M1", nil, nil)
	pendingID, _ := s.EnqueueCommand("M1", "will-expire-pending", nil)
	deliveredID, _ := s.EnqueueCommand("M1", "will-expire-delivered", nil)

	// Deliver both; they stay delivered-but-unacknowledged until expiry.
	cmds := s.DeliverPending("M1")
	if len(cmds) != 2 {
		t.Fatalf("expected both delivered, got %d", len(cmds))
	}
	// Re-enqueue one fresh pending command that must expire as pending.
	pendingID, _ = s.EnqueueCommand("M1", "pending", nil)

	clk.Advance(11 * time.Minute)
	expired := s.ExpireCommands()
	if expired != 3 {
		t.Errorf("expected 3 expired, got %d", expired)
	}

	if cmds := s.DeliverPending("M1"); len(cmds) != 0 {
		t.Error("expired pending command should not be delivered")
	}
	cmd, err := s.GetCommand(pendingID)
	if err != nil {
		t.Fatalf("expired pending command should be indexed: %v", err)
	}
	if cmd.Status != CommandExpired {
		t.Errorf("expected expired, got %s", cmd.Status)
	}
	if err := s.AckCommand(deliveredID, nil); !errors.Is(err, ErrBadCommand) {
		t.Errorf("acking an expired command should fail, got %v", err)
	}
}
