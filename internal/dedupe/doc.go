// Package dedupe provides a small TTL cache of recently seen keys. The hub
// remembers settled task IDs in it so a result arriving after its task timed
// out or was cancelled can be reported as late rather than unknown.
package dedupe
