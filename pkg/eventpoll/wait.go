package eventpoll

import "reflect"

// waitAny blocks on an arbitrary number of readiness channels plus the
// user-event channel using reflect.Select, since the channel count
// varies with how many descriptors are currently registered. It
// blocks for the first ready channel, then drains any other channels
// that are already ready without blocking again, up to maxEvents
// total results.
func waitAny(cases []selectCase, fds []FD, userEvent chan FD, maxEvents int, timeout <-chan struct{}) []FD {
	blocking := buildCases(cases, fds, userEvent, timeout, false)
	chosen, recv, ok := reflect.Select(blocking)
	if !ok {
		return nil
	}
	results := make([]FD, 0, maxEvents)
	if fd, isTimeout := decodeChoice(chosen, fds, recv); !isTimeout {
		results = append(results, fd)
	} else {
		return results
	}

	for len(results) < maxEvents {
		nonBlocking := buildCases(cases, fds, userEvent, nil, true)
		chosen, recv, ok := reflect.Select(nonBlocking)
		if !ok || chosen == len(nonBlocking)-1 {
			break
		}
		fd, _ := decodeChoice(chosen, fds, recv)
		results = append(results, fd)
	}
	return results
}

func buildCases(cases []selectCase, fds []FD, userEvent chan FD, timeout <-chan struct{}, withDefault bool) []reflect.SelectCase {
	out := make([]reflect.SelectCase, 0, len(cases)+3)
	for _, c := range cases {
		out = append(out, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(c.ch)})
	}
	out = append(out, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(userEvent)})
	if timeout != nil {
		out = append(out, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(timeout)})
	}
	if withDefault {
		out = append(out, reflect.SelectCase{Dir: reflect.SelectDefault})
	}
	_ = fds
	return out
}

// decodeChoice maps a reflect.Select result index back to an FD. The
// last two slots reserved in buildCases are userEvent and an optional
// timeout/default case; chosen indices below len(fds) name a
// readiness channel for that same-indexed fd.
func decodeChoice(chosen int, fds []FD, recv reflect.Value) (FD, bool) {
	switch {
	case chosen < len(fds):
		return fds[chosen], false
	case chosen == len(fds):
		return recv.Interface().(FD), false
	default:
		return 0, true
	}
}
