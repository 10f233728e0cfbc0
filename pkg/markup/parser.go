package markup

import (
	"strconv"
	"strings"
)

// tag names recognized by the parser. Entity tags come in an upsert
// (block) form and a delete (self-closing) form; the vault adds a read
// form.
const (
	tagMemory       = "memory"
	tagMemoryDelete = "memory_delete"
	tagTask         = "task"
	tagTaskDelete   = "task_delete"
	tagGoal         = "goal"
	tagGoalDelete   = "goal_delete"
	tagVault        = "vault"
	tagVaultRead    = "vault_read"
	tagVaultDelete  = "vault_delete"
	tagScript       = "script"
	tagFinalOutput  = "final_output"
)

var knownTags = map[string]bool{
	tagMemory: true, tagMemoryDelete: true,
	tagTask: true, tagTaskDelete: true,
	tagGoal: true, tagGoalDelete: true,
	tagVault: true, tagVaultRead: true, tagVaultDelete: true,
	tagScript: true, tagFinalOutput: true,
}

// Parse scans responseText for recognized tags and returns the typed
// operations plus the narration (the text with those tags removed).
func Parse(responseText string) *OperationSet {
	set := &OperationSet{}
	var narration strings.Builder

	rest := responseText
	for {
		lt := strings.IndexByte(rest, '<')
		if lt < 0 {
			narration.WriteString(rest)
			break
		}
		narration.WriteString(rest[:lt])
		rest = rest[lt:]

		consumed := tryParseTag(rest, set)
		if consumed == 0 {
			// Not a recognized tag; the '<' is plain text.
			narration.WriteByte('<')
			rest = rest[1:]
			continue
		}
		rest = rest[consumed:]
	}

	set.Narration = strings.TrimSpace(narration.String())
	return set
}

// tryParseTag parses one tag at the start of s (which begins with '<').
// It returns the number of bytes consumed, or 0 if s does not start
// with a well-formed recognized tag.
func tryParseTag(s string, set *OperationSet) int {
	name, attrEnd := scanTagName(s)
	if name == "" || !knownTags[name] {
		return 0
	}

	attrs, selfClosed, openEnd := scanAttributes(s, attrEnd)
	if openEnd == 0 {
		return 0
	}

	body := ""
	consumed := openEnd
	if !selfClosed {
		closeMarker := "</" + name + ">"
		idx := strings.Index(s[openEnd:], closeMarker)
		if idx < 0 {
			// Unterminated block tag: treat the open marker as noise
			// but do not swallow the rest of the response.
			return 0
		}
		body = s[openEnd : openEnd+idx]
		consumed = openEnd + idx + len(closeMarker)
	}

	record(name, attrs, body, !selfClosed, set)
	return consumed
}

// scanTagName reads "<name" and returns the name plus the offset just
// past it. The name must start with a letter and contain only
// [a-z0-9_].
func scanTagName(s string) (string, int) {
	if len(s) < 2 || s[0] != '<' {
		return "", 0
	}
	i := 1
	for i < len(s) {
		c := s[i]
		if c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_' {
			i++
			continue
		}
		break
	}
	if i == 1 {
		return "", 0
	}
	// Must be followed by whitespace, '>' or '/'.
	if i < len(s) && s[i] != ' ' && s[i] != '\t' && s[i] != '\n' && s[i] != '\r' && s[i] != '>' && s[i] != '/' {
		return "", 0
	}
	return s[1:i], i
}

// scanAttributes parses the attribute list starting at offset start and
// ending at '>' or '/>'. Returns the attribute map, whether the tag was
// self-closed, and the offset just past the closing '>'. A tag that
// never closes yields openEnd 0.
func scanAttributes(s string, start int) (map[string]string, bool, int) {
	attrs := map[string]string{}
	i := start
	for i < len(s) {
		// Skip whitespace.
		for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\r') {
			i++
		}
		if i >= len(s) {
			return nil, false, 0
		}
		if s[i] == '>' {
			return attrs, false, i + 1
		}
		if s[i] == '/' {
			if i+1 < len(s) && s[i+1] == '>' {
				return attrs, true, i + 2
			}
			return nil, false, 0
		}

		// Attribute name.
		nameStart := i
		for i < len(s) && s[i] != '=' && s[i] != ' ' && s[i] != '\t' && s[i] != '\n' && s[i] != '\r' && s[i] != '>' && s[i] != '/' {
			i++
		}
		name := s[nameStart:i]
		if name == "" {
			return nil, false, 0
		}

		if i < len(s) && s[i] == '=' {
			i++
			if i >= len(s) {
				return nil, false, 0
			}
			quote := s[i]
			if quote == '"' || quote == '\'' {
				i++
				valStart := i
				for i < len(s) && s[i] != quote {
					i++
				}
				if i >= len(s) {
					return nil, false, 0
				}
				attrs[name] = s[valStart:i]
				i++
			} else {
				// Unquoted value up to whitespace or tag end.
				valStart := i
				for i < len(s) && s[i] != ' ' && s[i] != '\t' && s[i] != '\n' && s[i] != '\r' && s[i] != '>' && s[i] != '/' {
					i++
				}
				attrs[name] = s[valStart:i]
			}
		} else {
			// Bare flag without a value.
			attrs[name] = ""
		}
	}
	return nil, false, 0
}

// record converts one parsed tag into an operation on the set.
func record(name string, attrs map[string]string, body string, hasBody bool, set *OperationSet) {
	body = strings.TrimSpace(body)

	switch name {
	case tagMemory:
		set.Memories = append(set.Memories, upsertOp(attrs, body, hasBody))
	case tagMemoryDelete:
		set.Memories = append(set.Memories, deleteOp(attrs))
	case tagTask:
		op := upsertOp(attrs, body, hasBody)
		op.Status = attrs["status"]
		set.Tasks = append(set.Tasks, op)
	case tagTaskDelete:
		set.Tasks = append(set.Tasks, deleteOp(attrs))
	case tagGoal:
		set.Goals = append(set.Goals, upsertOp(attrs, body, hasBody))
	case tagGoalDelete:
		set.Goals = append(set.Goals, deleteOp(attrs))
	case tagVault:
		set.Vault = append(set.Vault, upsertOp(attrs, body, hasBody))
	case tagVaultDelete:
		set.Vault = append(set.Vault, deleteOp(attrs))
	case tagVaultRead:
		op := EntityOp{Kind: OpRead, ID: attrs["id"]}
		if limit, err := strconv.Atoi(attrs["limit"]); err == nil && limit > 0 {
			op.Limit = limit
		}
		set.Vault = append(set.Vault, op)
	case tagScript:
		op := ScriptOp{Code: body}
		if timeout, err := strconv.Atoi(attrs["timeout"]); err == nil && timeout > 0 {
			op.TimeoutSeconds = timeout
		}
		set.Scripts = append(set.Scripts, op)
	case tagFinalOutput:
		set.FinalOutputs = append(set.FinalOutputs, FinalOutputOp{HTML: body})
	}
}

func upsertOp(attrs map[string]string, body string, hasBody bool) EntityOp {
	op := EntityOp{
		Kind:    OpUpsert,
		ID:      attrs["id"],
		Heading: attrs["heading"],
		Content: body,
		HasBody: hasBody && body != "",
	}
	if notes, ok := attrs["notes"]; ok {
		op.Notes = notes
		op.HasNotes = true
	}
	return op
}

func deleteOp(attrs map[string]string) EntityOp {
	return EntityOp{Kind: OpDelete, ID: attrs["id"]}
}
