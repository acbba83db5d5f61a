// Package cache stores baseline stage outputs keyed by media identity so later
// jobs over the same source media can skip demux, VAD, speech recognition and
// alignment.
//
// Layout:
//
//	<cache_root>/
//	  locks/<media_id>.lock
//	  media/<media_id>/
//	    entry.json
//	    baseline/<stage>/<output files>
//
// Writers hold the per-media flock, stage files into a temp directory and
// rename it into place, then replace entry.json atomically. Readers take no
// lock; every output is hash-verified before it is served, so a torn or
// tampered entry degrades to a miss for the affected stage.
package cache
