// Package storage provides the small persistence layer used by the
// notification core.
//
// It currently supports:
//   - The dedup seen-set mirror, so a reload does not re-notify messages the
//     session already showed
//   - Audit appends for presentation actions (dismiss, read, navigate, poll)
//
// Nothing stored here is a contract: losing it only means a handful of
// already-seen notifications may be shown again.
package storage
