// Package inference defines the boundaries between the pipeline engine and
// the systems it drives: the runner that executes stage units on a model,
// the optional router that predicts which stages to skip, the reference
// identity store, and the progress sink. It also holds the JSON payloads
// stages exchange through checkpoint artifacts.
package inference
