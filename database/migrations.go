/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import "embed"

// SQLFiles backs `mdm migrate up|down` (rubenv/sql-migrate). bootstrapSchema
// already creates every table inline for local/dev and test setups; a real
// deployment runs this migration path instead so schema changes are
// tracked and reversible.
//
//go:embed sql/*.sql
var SQLFiles embed.FS
