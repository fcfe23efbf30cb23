// Package bot implements the poll-and-react engine: the Reactor decides
// whether a batch of room events warrants a checksum verification, and the
// Loop drives long-polls, reactions and cursor persistence with a fixed
// backoff on retryable failures.
//
// The Loop is strictly sequential. Cancellation is observed only while a poll
// request is outstanding, before issuing the next one, or during the backoff
// delay; once a batch has been accepted its reaction and cursor write always
// run to completion.
package bot
