// Package quant implements a memory-bounded, incrementally quantized KV cache
// for autoregressive generation.
//
// # Reading Guide
//
// Start with these three files to understand the cache:
//   - entry.go: the residual/quantized two-tier storage and its merge state machine
//   - cache.go: layer orchestration, per-layer/per-head bit-width resolution, sequence-length bookkeeping
//   - codec.go: the Codec/Blob contract and the shared group-quantization math
//
// # Architecture
//
// Each transformer layer (or, in per-head mode, each attention head) owns an
// independent cacheEntry. An entry keeps the most recent positions in a
// full-precision residual buffer bounded by residual_length; once the
// residual would reach capacity, the entire logical history is re-quantized
// into a single compressed blob and the residual empties. The quantized tier
// is never extended in place, only replaced, which keeps the reconstruction
// invariant trivial: dequantize(blob) ++ residual is always the exact
// append order.
//
// Three codec backends trade accuracy for density:
//   - affine: symmetric group-wise integers (2/4/8 bit), float32 scales
//   - channelwise: asymmetric channel-wise integers (1/2/3/4/8 bit) with a
//     half-precision metadata record carried alongside the code payload
//   - vanilla: self-contained symmetric/asymmetric quantizer, 1..16 bit
//
// A Cache memoizes one codec instance per (nbits, axis) pair, so mixed
// per-layer or per-head bit-width tables construct each variant once.
//
// The package holds no process-wide state; every cache instance owns its
// entries, its codecs, and its configuration, and is meant to be driven by a
// single-threaded generation loop.
package quant
