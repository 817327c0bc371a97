/*
Package nodeid provides a structured representation for node identifiers of
the processing graph.

An identifier is a dot-separated sequence of segments, e.g.
`sub-01.ses-01.dir-AP_run-1.eddy` or `sub-01.ds_dwi[2]`. The same segments
name the node's working directory, so two nodes never share one.
*/
package nodeid
