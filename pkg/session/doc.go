/*
Package session serializes mutations of individual sessions.

A Manager hands out one mutex per session id, reference counted so that locks
of deleted sessions are garbage collected, and can additionally hold a
distributed lock so that replicas sharing a durable backend do not interleave
writes to the same session.
*/
package session
