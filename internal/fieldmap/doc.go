// Package fieldmap classifies the susceptibility field information available
// for a DWI run into one of a closed set of bundle variants, and builds the
// acquisition-parameter rows that eddy and topup consume.
package fieldmap
