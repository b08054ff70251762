// Package shot defines the core screenshot types shared across subsystems:
// the normalized render request, its fingerprint, pipeline results, the
// error taxonomy, and the narrow interfaces used to reach collaborators
// such as the blob store and the deferred job queue.
package shot
