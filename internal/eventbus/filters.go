package eventbus

import "strings"

// FilterTypes 按多个类型过滤（OR）
func FilterTypes(eventTypes ...EventType) Filter {
	return func(event Event) bool {
		for _, et := range eventTypes {
			if event.Type == et {
				return true
			}
		}
		return false
	}
}

// FilterPrefix matches event types by prefix, e.g. "execution:".
func FilterPrefix(prefix string) Filter {
	return func(event Event) bool {
		return strings.HasPrefix(string(event.Type), prefix)
	}
}

// Keyed is implemented by payloads that can be filtered by key, such as an
// execution id or a tool name.
type Keyed interface {
	EventKeys() map[string]string
}

// FilterKey matches payloads whose key equals value.
func FilterKey(key, value string) Filter {
	return func(event Event) bool {
		k, ok := event.Payload.(Keyed)
		if !ok {
			return false
		}
		return k.EventKeys()[key] == value
	}
}
