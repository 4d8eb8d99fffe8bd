package offlineshell

import "fmt"

type CacheStatusStatus string

const (
	CacheStatusHit CacheStatusStatus = "hit"
	CacheStatusFwd CacheStatusStatus = "fwd"
)

type CacheStatusFwdReason string

const (
	// The cache did not contain a response for the request URI.
	CacheStatusFwdMiss CacheStatusFwdReason = "miss"

	// The request method's semantics require the request to be forwarded.
	CacheStatusFwdMethod CacheStatusFwdReason = "method"

	// The selected strategy forwards before consulting the cache.
	CacheStatusFwdRequest CacheStatusFwdReason = "request"
)

// CacheStatus renders the Cache-Status response header attached to every
// dispatched response. The detail field names the strategy that produced
// the response.
type CacheStatus struct {
	status    CacheStatusStatus
	detail    string
	fwdReason CacheStatusFwdReason
}

func (cs *CacheStatus) Hit() {
	cs.status = CacheStatusHit
}

func (cs *CacheStatus) Forward(reason CacheStatusFwdReason) {
	cs.status = CacheStatusFwd
	cs.fwdReason = reason
}

func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

// hitStatus renders a hit header value with the strategy as detail.
func hitStatus(strategy string) string {
	cs := CacheStatus{}
	cs.Hit()
	cs.Detail(strategy)
	return cs.String()
}

// forwardStatus renders a forward header value with the strategy as detail.
func forwardStatus(reason CacheStatusFwdReason, strategy string) string {
	cs := CacheStatus{}
	cs.Forward(reason)
	cs.Detail(strategy)
	return cs.String()
}

func (cs *CacheStatus) String() string {
	status := fmt.Sprintf("Offline-Shell; %s", cs.status)
	if cs.status == CacheStatusFwd && cs.fwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.fwdReason)
	}
	if cs.detail != "" {
		status = status + "; detail=" + cs.detail
	}
	return status
}
