// Package reliability holds the retry bookkeeping of the consume pipeline.
//
// A failed message is retried by republishing it with x-retry-* headers that
// describe the policy it was first failed under. The headers, not the
// subscriber, are the source of truth on later attempts:
//
//	headers = IncrementRetryHeaders(headers, policy)
//	delay := ComputeNextCall(headers)
//
// Retry is a small generic loop used where a broker operation deserves a
// bounded second attempt.
package reliability
