// Package history reconstructs the conversation path leading to a
// message by walking parent links backward through a chat's message
// tree. It is pure: callers load the chat's messages in one bulk read
// and pass them in.
package history

import "github.com/flitsinc/agent-relay/internal/state"

// Build returns the ordered root-to-start path for startID within msgs.
// The result is empty when startID is empty or does not resolve. A
// missing parent ends the walk; a cyclic parent link is detected and
// ends the walk rather than looping.
func Build(msgs []state.Message, startID string) []state.Message {
	if startID == "" {
		return nil
	}
	byID := make(map[string]state.Message, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
	}

	current, ok := byID[startID]
	if !ok {
		return nil
	}

	seen := map[string]struct{}{}
	var path []state.Message
	for {
		if _, dup := seen[current.ID]; dup {
			break
		}
		seen[current.ID] = struct{}{}
		path = append(path, current)

		if current.ParentID == "" {
			break
		}
		parent, ok := byID[current.ParentID]
		if !ok {
			break
		}
		current = parent
	}

	// Walked leaf-first; reverse into root-first order.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}
