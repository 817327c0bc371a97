/*
Package builder constructs the processing graph of one DWI run. It is the
bridge between the configuration snapshot plus the BIDS layout on one side
and the executor on the other.

The primary artifact produced by this package is a validated *dag.Graph.

Construction is a multi-phase process:

 1. Preconditions: the run's sidecar must carry PhaseEncodingDirection and
    TotalReadoutTime, and its gradient table must pass validation. Both are
    checked before any node exists, so a failing run never reaches the
    executor.

 2. Field selection: the fieldmap images intended for the run are ranked
    (epi, fieldmap, phasediff, phase, syn) and the best one decides which
    distortion-correction sub-graph is wired. With none, eddy runs without
    a field and every transform to the undistorted space is the identity.

 3. Node creation: the pre-eddy chain (denoise, unring, resample) is built
    from optional transforms with identity fallbacks, followed by eddy, the
    post-eddy chain, coregistration and one datasink per derivative.

 4. Validation: the run graph, together with the subject's anatomical
    graph it references, is checked for unknown stages, unbound ports,
    type mismatches and cycles.
*/
package builder
