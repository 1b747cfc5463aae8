package store

import "strings"

const (
	UsersRoot     = "users"
	RequestsRoot  = "requests"
	ResponsesRoot = "responses"
	RoomsRoot     = "rooms"
)

func UserPath(id string) string { return UsersRoot + "/" + id }

func RequestPath(targetID string) string { return RequestsRoot + "/" + targetID }

func ResponsePath(requesterID string) string { return ResponsesRoot + "/" + requesterID }

func RoomPath(roomID string) string { return RoomsRoot + "/" + roomID }

func MessagesPath(roomID string) string { return RoomPath(roomID) + "/messages" }

func MessagePath(roomID, messageID string) string { return MessagesPath(roomID) + "/" + messageID }

// ValidatePath rejects empty paths, leading or trailing slashes and empty segments.
func ValidatePath(path string) error {
	if path == "" {
		return ErrInvalidPath
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			return ErrInvalidPath
		}
	}
	return nil
}

// Parent returns the parent path and the last segment. The parent of a
// top-level path is "".
func Parent(path string) (parent, name string) {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

// Ancestors lists every proper ancestor of path, nearest first.
func Ancestors(path string) []string {
	var out []string
	for p, _ := Parent(path); p != ""; p, _ = Parent(p) {
		out = append(out, p)
	}
	return out
}

// IsWithin reports whether path equals root or lies beneath it.
func IsWithin(path, root string) bool {
	return path == root || strings.HasPrefix(path, root+"/")
}

// Affects reports whether a change at changed is visible to a watcher of
// watched: the change is at, beneath or above the watched node.
func Affects(watched, changed string) bool {
	return IsWithin(changed, watched) || IsWithin(watched, changed)
}
