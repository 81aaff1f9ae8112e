package redis

// All keys share the "{jobservice}:" prefix. The hash tag pins them to one
// cluster slot so that MULTI/EXEC may span a job, its indexes and its
// scope key.
const keyPrefix = "{jobservice}:"

// jobKey returns the key for a job record: {jobservice}:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// shapeKey returns the Sorted Set indexing jobs of a shape by due date:
// {jobservice}:shape:{shape}
func shapeKey(shape string) string { return keyPrefix + "shape:" + shape }

// scopeKey returns the key mirroring the live exclusive lease of a
// scope: {jobservice}:scope:{scopeID}
func scopeKey(scopeID string) string { return keyPrefix + "scope:" + scopeID }

// jobIDsKey is the Set tracking all job IDs for enumeration.
const jobIDsKey = keyPrefix + "job_ids"
