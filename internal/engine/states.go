package engine

import "fmt"

// streamState is the per-request position in the range serving flow.
type streamState int

const (
	stateParsed streamState = iota
	stateConsultingCache
	stateFetchingOrigin
	stateFollowingRedirect
	stateFetchingCDN
	stateStreaming
	stateDone
	stateFailed
)

var streamStateNames = [...]string{
	"parsed", "consulting_cache", "fetching_origin", "following_redirect",
	"fetching_cdn", "streaming", "done", "failed",
}

func (s streamState) String() string {
	if int(s) >= 0 && int(s) < len(streamStateNames) {
		return streamStateNames[s]
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}
