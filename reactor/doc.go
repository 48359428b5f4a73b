// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the per-descriptor registration handle used by the
// connection core, plus a Linux epoll readiness engine that satisfies api.Reactor.
package reactor
