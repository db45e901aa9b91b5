// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package containers provides the structural state kinds beyond fixed
// composites: List, Optional and Proxy.
//
// Static slots, relative to the container:
//
//	List[T]      0 self, 1 push, 2 pop, 3.. element (index in transient)
//	Optional[T]  0 self, 1 presence, 2.. item
//	Proxy[T]     0 self
package containers
