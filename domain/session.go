//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package domain

import "time"

// Session is an authenticated peer-transfer caller, process-lifetime
// only. The transfer server exclusively owns the token -> Session map.
type Session struct {
	Token     string
	CreatedAt time.Time
	PIN       string
	PeerIP    string
}

// Expired reports whether the session has outlived timeout from now.
func (s Session) Expired(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.CreatedAt) > timeout
}

// PeerDevice is a device discovered via mDNS, ready to be dialed for a
// peer transfer.
type PeerDevice struct {
	Hostname   string
	Address    string // IPv4
	Port       int
	DeviceID   string // unique per-boot identifier
	TxtRecords map[string]string
}
