package model

import (
	"encoding/json"
	"testing"
)

func TestEventType_IsValid(t *testing.T) {
	for _, tc := range []struct {
		typ  EventType
		want bool
	}{
		{EventInsert, true},
		{EventUpdate, true},
		{EventDelete, true},
		{EventType(""), false},
		{EventType("modify"), false},
	} {
		if got := tc.typ.IsValid(); got != tc.want {
			t.Errorf("EventType(%q).IsValid() = %v, want %v", tc.typ, got, tc.want)
		}
	}
}

func TestStartingPosition_IsValid(t *testing.T) {
	for _, tc := range []struct {
		pos  StartingPosition
		want bool
	}{
		{PositionLatest, true},
		{PositionTrimHorizon, true},
		{StartingPosition("LATEST"), false},
		{StartingPosition(""), false},
	} {
		if got := tc.pos.IsValid(); got != tc.want {
			t.Errorf("StartingPosition(%q).IsValid() = %v, want %v", tc.pos, got, tc.want)
		}
	}
}

func TestChangeEvent_MarshalJSON_Insert(t *testing.T) {
	ev := ChangeEvent{
		RecordKey:      "a",
		EventType:      EventInsert,
		NewImage:       json.RawMessage(`{"v":1}`),
		SequenceNumber: 1,
	}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"recordKey":"a","eventType":"insert","newImage":{"v":1},"sequenceNumber":1}`
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}
}

func TestChangeEvent_MarshalJSON_DeleteHasNullImage(t *testing.T) {
	ev := &ChangeEvent{RecordKey: "a", EventType: EventDelete, SequenceNumber: 7}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"recordKey":"a","eventType":"delete","newImage":null,"sequenceNumber":7}`
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}
}

func TestChangeEvent_UnmarshalJSON_NullImage(t *testing.T) {
	var ev ChangeEvent
	if err := json.Unmarshal([]byte(`{"recordKey":"k","eventType":"delete","newImage":null,"sequenceNumber":3}`), &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.NewImage != nil {
		t.Errorf("expected nil NewImage, got %s", ev.NewImage)
	}
	if ev.SequenceNumber != 3 || ev.RecordKey != "k" || ev.EventType != EventDelete {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestChangeEvent_UnmarshalJSON_KeepsImage(t *testing.T) {
	var ev ChangeEvent
	if err := json.Unmarshal([]byte(`{"recordKey":"k","eventType":"update","newImage":{"v":2},"sequenceNumber":4}`), &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(ev.NewImage) != `{"v":2}` {
		t.Errorf("NewImage = %s, want {\"v\":2}", ev.NewImage)
	}
}
