// Package session keeps a Redis-backed directory of live connections so that
// any node can tell where a user is connected. Each connection is a hash
// under session:<connId>; each user has a set of connection ids under
// user_conns:<userId>.
package session
