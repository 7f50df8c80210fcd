package claudecode

import (
	"encoding/json"
	"testing"
)

func TestCLIMessage_GetResultData(t *testing.T) {
	tests := []struct {
		name     string
		result   json.RawMessage
		wantNil  bool
		wantText string
	}{
		{
			name:    "empty result",
			result:  nil,
			wantNil: true,
		},
		{
			name:    "string result (error)",
			result:  json.RawMessage(`"error message"`),
			wantNil: true, // GetResultData returns nil for strings
		},
		{
			name:     "object result with text",
			result:   json.RawMessage(`{"text":"done","session_id":"abc123"}`),
			wantNil:  false,
			wantText: "done",
		},
		{
			name:    "invalid JSON",
			result:  json.RawMessage(`{invalid`),
			wantNil: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &CLIMessage{Result: tt.result}
			got := msg.GetResultData()
			switch {
			case tt.wantNil:
				if got != nil {
					t.Errorf("GetResultData() = %v, want nil", got)
				}
			case got == nil:
				t.Fatalf("GetResultData() = nil, want non-nil")
			case got.Text != tt.wantText:
				t.Errorf("GetResultData().Text = %q, want %q", got.Text, tt.wantText)
			}
		})
	}
}

func TestCLIMessage_GetResultString(t *testing.T) {
	tests := []struct {
		name   string
		result json.RawMessage
		want   string
	}{
		{
			name:   "empty result",
			result: nil,
			want:   "",
		},
		{
			name:   "string result",
			result: json.RawMessage(`"rate limit exceeded"`),
			want:   "rate limit exceeded",
		},
		{
			name:   "object result",
			result: json.RawMessage(`{"text":"done"}`),
			want:   "", // GetResultString returns empty for objects
		},
		{
			name:   "invalid JSON",
			result: json.RawMessage(`{invalid`),
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &CLIMessage{Result: tt.result}
			if got := msg.GetResultString(); got != tt.want {
				t.Errorf("GetResultString() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCLIMessage_JSONParsing(t *testing.T) {
	// Test parsing a system message
	systemJSON := `{"type":"system","subtype":"init","session_id":"abc123","session_status":"active"}`
	var systemMsg CLIMessage
	if err := json.Unmarshal([]byte(systemJSON), &systemMsg); err != nil {
		t.Fatalf("failed to parse system message: %v", err)
	}
	if systemMsg.Type != MessageTypeSystem {
		t.Errorf("Type = %q, want %q", systemMsg.Type, MessageTypeSystem)
	}
	if systemMsg.SessionID != "abc123" {
		t.Errorf("SessionID = %q, want %q", systemMsg.SessionID, "abc123")
	}

	// Test parsing an assistant message
	assistantJSON := `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Hello"}],"model":"claude-3"}}`
	var assistantMsg CLIMessage
	if err := json.Unmarshal([]byte(assistantJSON), &assistantMsg); err != nil {
		t.Fatalf("failed to parse assistant message: %v", err)
	}
	if assistantMsg.Type != MessageTypeAssistant {
		t.Errorf("Type = %q, want %q", assistantMsg.Type, MessageTypeAssistant)
	}
	if assistantMsg.Message == nil {
		t.Fatal("Message is nil")
	}
	if assistantMsg.Message.Model != "claude-3" {
		t.Errorf("Message.Model = %q, want %q", assistantMsg.Message.Model, "claude-3")
	}

	// Test parsing a result message
	resultJSON := `{"type":"result","subtype":"success","cost_usd":0.042,"duration_ms":1800,"num_turns":3,"result":{"text":"all set","session_id":"abc123"}}`
	var resultMsg CLIMessage
	if err := json.Unmarshal([]byte(resultJSON), &resultMsg); err != nil {
		t.Fatalf("failed to parse result message: %v", err)
	}
	if resultMsg.Type != MessageTypeResult {
		t.Errorf("Type = %q, want %q", resultMsg.Type, MessageTypeResult)
	}
	if resultMsg.CostUSD != 0.042 {
		t.Errorf("CostUSD = %v, want %v", resultMsg.CostUSD, 0.042)
	}
	if resultMsg.DurationMS != 1800 {
		t.Errorf("DurationMS = %v, want %v", resultMsg.DurationMS, 1800)
	}
	data := resultMsg.GetResultData()
	if data == nil || data.SessionID != "abc123" {
		t.Errorf("GetResultData() = %v, want session abc123", data)
	}
}

func TestIncomingControlResponse_JSONParsing(t *testing.T) {
	// The request id lives inside the response object
	jsonStr := `{"type":"control_response","response":{"subtype":"success","request_id":"req-5"}}`
	var msg CLIMessage
	if err := json.Unmarshal([]byte(jsonStr), &msg); err != nil {
		t.Fatalf("failed to parse control response: %v", err)
	}
	if msg.Type != MessageTypeControlResponse {
		t.Errorf("Type = %q, want %q", msg.Type, MessageTypeControlResponse)
	}
	if msg.Response == nil {
		t.Fatal("Response is nil")
	}
	if msg.Response.RequestID != "req-5" {
		t.Errorf("Response.RequestID = %q, want %q", msg.Response.RequestID, "req-5")
	}

	// Error variant
	errJSON := `{"type":"control_response","response":{"subtype":"error","request_id":"req-6","error":"boom"}}`
	var errMsg CLIMessage
	if err := json.Unmarshal([]byte(errJSON), &errMsg); err != nil {
		t.Fatalf("failed to parse error control response: %v", err)
	}
	if errMsg.Response == nil || errMsg.Response.Error != "boom" {
		t.Errorf("Response.Error = %v, want %q", errMsg.Response, "boom")
	}
}

func TestControlRequest_JSONParsing(t *testing.T) {
	// Test can_use_tool request
	jsonStr := `{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"ls -la"},"tool_use_id":"tool123"}`
	var req ControlRequest
	if err := json.Unmarshal([]byte(jsonStr), &req); err != nil {
		t.Fatalf("failed to parse control request: %v", err)
	}
	if req.Subtype != SubtypeCanUseTool {
		t.Errorf("Subtype = %q, want %q", req.Subtype, SubtypeCanUseTool)
	}
	if req.ToolName != "Bash" {
		t.Errorf("ToolName = %q, want %q", req.ToolName, "Bash")
	}
	if req.Input["command"] != "ls -la" {
		t.Errorf("Input[command] = %v, want %q", req.Input["command"], "ls -la")
	}
}

func TestControlRequest_AskUserQuestion(t *testing.T) {
	jsonStr := `{"subtype":"can_use_tool","tool_name":"AskUserQuestion","input":{"questions":[{"question":"Deploy to prod?","options":["yes","no"]}]},"tool_use_id":"tool456"}`
	var req ControlRequest
	if err := json.Unmarshal([]byte(jsonStr), &req); err != nil {
		t.Fatalf("failed to parse control request: %v", err)
	}
	if req.ToolName != ToolAskUserQuestion {
		t.Errorf("ToolName = %q, want %q", req.ToolName, ToolAskUserQuestion)
	}
	questions, ok := req.Input["questions"].([]any)
	if !ok || len(questions) != 1 {
		t.Fatalf("Input[questions] = %v, want one question", req.Input["questions"])
	}
}

func TestControlResponseMessage_JSONMarshal(t *testing.T) {
	resp := &ControlResponseMessage{
		Type:      MessageTypeControlResponse,
		RequestID: "req123",
		Response: &ControlResponse{
			Subtype: "success",
			Result:  AllowResult(map[string]any{"questions": []string{}}),
		},
	}

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("failed to parse result: %v", err)
	}

	if parsed["type"] != MessageTypeControlResponse {
		t.Errorf("type = %v, want %q", parsed["type"], MessageTypeControlResponse)
	}
	if parsed["request_id"] != "req123" {
		t.Errorf("request_id = %v, want %q", parsed["request_id"], "req123")
	}

	// The CLI expects camelCase keys inside the permission result
	response := parsed["response"].(map[string]any)
	result := response["result"].(map[string]any)
	if _, ok := result["updatedInput"]; !ok {
		t.Error("expected updatedInput key in permission result")
	}
}

func TestPermissionResult_Helpers(t *testing.T) {
	allow := AllowResult(map[string]any{"answers": []string{"yes"}})
	if allow.Behavior != BehaviorAllow {
		t.Errorf("Behavior = %q, want %q", allow.Behavior, BehaviorAllow)
	}
	if allow.UpdatedInput == nil {
		t.Error("UpdatedInput should be set")
	}
	if allow.Interrupt != nil {
		t.Error("Interrupt should be nil for allow")
	}

	deny := DenyResult("User response timeout", true)
	if deny.Behavior != BehaviorDeny {
		t.Errorf("Behavior = %q, want %q", deny.Behavior, BehaviorDeny)
	}
	if deny.Message != "User response timeout" {
		t.Errorf("Message = %q, want %q", deny.Message, "User response timeout")
	}
	if deny.Interrupt == nil || !*deny.Interrupt {
		t.Error("Interrupt should be true")
	}

	data, err := json.Marshal(deny)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}
	expected := `{"behavior":"deny","message":"User response timeout","interrupt":true}`
	if string(data) != expected {
		t.Errorf("Marshal() = %s, want %s", string(data), expected)
	}

	plainDeny := DenyResult("no", false)
	if plainDeny.Interrupt != nil {
		t.Error("Interrupt should be omitted when false")
	}
}

func TestUserMessage_JSONMarshal(t *testing.T) {
	msg := &UserMessage{
		Type: MessageTypeUser,
		Message: UserMessageBody{
			Role:    "user",
			Content: "Hello, Claude!",
		},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	expected := `{"type":"user","message":{"role":"user","content":"Hello, Claude!"}}`
	if string(data) != expected {
		t.Errorf("Marshal() = %s, want %s", string(data), expected)
	}
}

func TestContentBlock_Types(t *testing.T) {
	tests := []struct {
		name  string
		json  string
		check func(t *testing.T, block ContentBlock)
	}{
		{
			name: "text block",
			json: `{"type":"text","text":"Hello world"}`,
			check: func(t *testing.T, block ContentBlock) {
				if block.Type != "text" {
					t.Errorf("Type = %q, want %q", block.Type, "text")
				}
				if block.Text != "Hello world" {
					t.Errorf("Text = %q, want %q", block.Text, "Hello world")
				}
			},
		},
		{
			name: "thinking block",
			json: `{"type":"thinking","thinking":"Let me analyze..."}`,
			check: func(t *testing.T, block ContentBlock) {
				if block.Type != "thinking" {
					t.Errorf("Type = %q, want %q", block.Type, "thinking")
				}
				if block.Thinking != "Let me analyze..." {
					t.Errorf("Thinking = %q, want %q", block.Thinking, "Let me analyze...")
				}
			},
		},
		{
			name: "tool_use block",
			json: `{"type":"tool_use","id":"tool123","name":"Bash","input":{"command":"ls"}}`,
			check: func(t *testing.T, block ContentBlock) {
				if block.Type != "tool_use" {
					t.Errorf("Type = %q, want %q", block.Type, "tool_use")
				}
				if block.ID != "tool123" {
					t.Errorf("ID = %q, want %q", block.ID, "tool123")
				}
				if block.Name != "Bash" {
					t.Errorf("Name = %q, want %q", block.Name, "Bash")
				}
			},
		},
		{
			name: "tool_result block",
			json: `{"type":"tool_result","tool_use_id":"tool123","content":"output","is_error":false}`,
			check: func(t *testing.T, block ContentBlock) {
				if block.Type != "tool_result" {
					t.Errorf("Type = %q, want %q", block.Type, "tool_result")
				}
				if block.ToolUseID != "tool123" {
					t.Errorf("ToolUseID = %q, want %q", block.ToolUseID, "tool123")
				}
				if block.Content != "output" {
					t.Errorf("Content = %q, want %q", block.Content, "output")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var block ContentBlock
			if err := json.Unmarshal([]byte(tt.json), &block); err != nil {
				t.Fatalf("failed to parse: %v", err)
			}
			tt.check(t, block)
		})
	}
}
