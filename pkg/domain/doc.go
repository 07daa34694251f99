// Package domain defines the core types and ports of the extension runtime.
//
// This package contains pure domain logic with ZERO external dependencies outside the
// Go standard library. All types in this package are:
//
// - Independent of infrastructure (no type system engine, no loader, no metrics)
// - Technology-agnostic (no rendering or framework coupling)
// - Testable in isolation without mocks
// - Stable and unlikely to change frequently
//
// Other packages (registry, mediator, bridge, host, typesystem) implement the
// interfaces defined here and depend on these types. The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
//
// Identifiers follow the global type system convention used across the runtime:
// type ids end with "~" and instance ids are a type id followed by one more
// segment, e.g. "gts.polis.mfe.ext.domain.v1~acme.dash.layout.sidebar.v1".
package domain
