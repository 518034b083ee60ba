/*
Package relay copies bytes between the two streams of a relay pair.

Each direction runs in its own goroutine and reads into a fixed size buffer. When
a source reports end of stream, the write half of the opposite stream is shut
down and the other direction keeps running. Any read or write error aborts the
pair: both streams are closed, which unblocks the direction that is still
running. Nothing is inspected or transformed on the way.
*/
package relay
