// Package response generates replies to transcripts and streams them token by
// token while measuring time to first token.
package response
