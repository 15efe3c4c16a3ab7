// Package textutil provides name normalization, voiceprint vector helpers,
// and token sanitization shared by the pipeline stages.
//
// Names are normalized to Unicode NFC with collapsed whitespace and title
// casing so the same person mentioned in different ways groups together.
// Voiceprints are dense float vectors compared by cosine similarity and
// keyed by a quantized digest for exact lookups.
package textutil
