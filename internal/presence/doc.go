// Package presence tracks which users currently hold at least one live
// connection, counting references so multiple tabs work correctly.
package presence
