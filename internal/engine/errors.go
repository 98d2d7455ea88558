package engine

import (
	"encoding/json"
)

const truncateAt = 200

// sanitizeErrorDetail builds the structured, sanitized error summary recorded
// in a UsageEntry on a non-soft-block failure (§4.7): upstream status, the
// upstream error object with free-form conversational fields stripped, long
// strings truncated at 200 chars. Grounded on relay.SanitizeError's pattern
// of preserving the error envelope shape rather than relaying it verbatim.
func sanitizeErrorDetail(statusCode int, body []byte) string {
	var parsed struct {
		Error struct {
			Type    string `json:"type"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	detail := map[string]any{"status": statusCode}
	if json.Unmarshal(body, &parsed) == nil && (parsed.Error.Type != "" || parsed.Error.Message != "") {
		detail["error"] = map[string]string{
			"type":    parsed.Error.Type,
			"code":    parsed.Error.Code,
			"message": truncate(parsed.Error.Message, truncateAt),
		}
	} else {
		detail["body"] = truncate(string(body), truncateAt)
	}
	out, err := json.Marshal(detail)
	if err != nil {
		return truncate(string(body), truncateAt)
	}
	return string(out)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// writeError renders the §6 client-facing error envelope
// {error:{message,type,reason?,unblock_at?,remaining_minutes?}}, grounded on
// the teacher's relay.buildErrorJSON. The Engine and the Gateway each render
// their own copy of this helper rather than sharing one, matching the
// teacher's relay.writeError/auth.writeError duplication.
func writeError(errType, message string, extra map[string]any) []byte {
	errObj := map[string]any{
		"type":    errType,
		"message": message,
	}
	for k, v := range extra {
		errObj[k] = v
	}
	out, _ := json.Marshal(map[string]any{"error": errObj})
	return out
}

func blockedPayload(unblockAt string, remainingMinutes int) []byte {
	return writeError("ip_blocked", "the service is temporarily blocked by upstream", map[string]any{
		"unblock_at":        unblockAt,
		"remaining_minutes": remainingMinutes,
	})
}

func serviceUnavailablePayload(reason string) []byte {
	return writeError("service_unavailable", reason, map[string]any{
		"reason": reason,
	})
}
