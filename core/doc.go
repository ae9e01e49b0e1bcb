// Package core implements compound package containers.
//
// A package is a zip archive holding caller entries addressed by virtual path
// ("/3D/model.gcode" is stored as the member "3D/model.gcode") next to two
// reserved XML manifests:
//   - [Content_Types].xml: default content types per extension and per-part overrides
//   - _rels/.rels: package-level relationships
//
// [Package] is the zip engine. It is opened once in one of three modes with
// [OpenPackage] and implements [FileInterface], the capability every archive
// engine provides. A [Registry] maps file extensions to the engine that can
// open them.
package core
