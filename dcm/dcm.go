// Package dcm provides the minimal DICOM wire primitives the gateway needs
// below the Part 10 file level: tags, UID and AE-title validation, a data
// element scanner for the little-endian transfer syntaxes, the DIMSE command
// set codec (PS3.7 — always implicit VR little endian), and a file meta
// group writer for composing Part 10 files from raw C-STORE datasets.
//
// Complete Part 10 files (STOW-RS parts, export downloads) are parsed with
// github.com/suyashkumar/dicom; this package only covers what that library
// cannot: raw command sets and datasets that arrive without file meta.
package dcm

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Tag identifies a DICOM data element.
type Tag struct {
	Group   uint16
	Element uint16
}

// String renders the tag in the conventional "gggg,eeee" form.
func (t Tag) String() string {
	return fmt.Sprintf("%04X,%04X", t.Group, t.Element)
}

// Keyword form used in DICOM-JSON attribute names: "ggggeeee" upper-case hex.
func (t Tag) JSONKey() string {
	return fmt.Sprintf("%04X%04X", t.Group, t.Element)
}

// Tags used by the gateway.
var (
	TagCommandGroupLength        = Tag{0x0000, 0x0000}
	TagAffectedSOPClassUID       = Tag{0x0000, 0x0002}
	TagCommandField              = Tag{0x0000, 0x0100}
	TagMessageID                 = Tag{0x0000, 0x0110}
	TagMessageIDBeingRespondedTo = Tag{0x0000, 0x0120}
	TagPriority                  = Tag{0x0000, 0x0700}
	TagCommandDataSetType        = Tag{0x0000, 0x0800}
	TagStatus                    = Tag{0x0000, 0x0900}
	TagAffectedSOPInstanceUID    = Tag{0x0000, 0x1000}

	TagFileMetaGroupLength   = Tag{0x0002, 0x0000}
	TagFileMetaVersion       = Tag{0x0002, 0x0001}
	TagMediaStorageSOPClass  = Tag{0x0002, 0x0002}
	TagMediaStorageSOPInst   = Tag{0x0002, 0x0003}
	TagTransferSyntaxUID     = Tag{0x0002, 0x0010}
	TagImplementationClass   = Tag{0x0002, 0x0012}
	TagImplementationVersion = Tag{0x0002, 0x0013}

	TagSOPClassUID       = Tag{0x0008, 0x0016}
	TagSOPInstanceUID    = Tag{0x0008, 0x0018}
	TagStudyInstanceUID  = Tag{0x0020, 0x000D}
	TagSeriesInstanceUID = Tag{0x0020, 0x000E}

	TagRetrieveURL           = Tag{0x0008, 0x1190}
	TagFailedSOPSequence     = Tag{0x0008, 0x1198}
	TagReferencedSOPSequence = Tag{0x0008, 0x1199}
	TagReferencedSOPClass    = Tag{0x0008, 0x1150}
	TagReferencedSOPInstance = Tag{0x0008, 0x1155}
	TagFailureReason         = Tag{0x0008, 0x1197}
	TagWarningReason         = Tag{0x0008, 0x1196}

	TagItem              = Tag{0xFFFE, 0xE000}
	TagItemDelimiter     = Tag{0xFFFE, 0xE00D}
	TagSequenceDelimiter = Tag{0xFFFE, 0xE0DD}

	TagPixelData = Tag{0x7FE0, 0x0010}
)

// ParseTag parses the configuration form "gggg,eeee".
func ParseTag(s string) (Tag, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 2 {
		return Tag{}, fmt.Errorf("dcm: invalid tag %q: want \"gggg,eeee\"", s)
	}
	g, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 16, 16)
	if err != nil {
		return Tag{}, fmt.Errorf("dcm: invalid tag group %q: %w", parts[0], err)
	}
	e, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 16, 16)
	if err != nil {
		return Tag{}, fmt.Errorf("dcm: invalid tag element %q: %w", parts[1], err)
	}
	return Tag{Group: uint16(g), Element: uint16(e)}, nil
}

// Transfer syntax UIDs the SCP negotiates.
const (
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
)

// Well-known UIDs.
const (
	VerificationSOPClass          = "1.2.840.10008.1.1"
	DICOMApplicationContext       = "1.2.840.10008.3.1.1.1"
	StorageServiceClass           = "1.2.840.10008.4.2"
	SecondaryCaptureImageStorage  = "1.2.840.10008.5.1.4.1.1.7"
	CTImageStorage                = "1.2.840.10008.5.1.4.1.1.2"
	MRImageStorage                = "1.2.840.10008.5.1.4.1.1.4"
	UltrasoundImageStorage        = "1.2.840.10008.5.1.4.1.1.6.1"
	ComputedRadiographyStorage    = "1.2.840.10008.5.1.4.1.1.1"
	DigitalXRayPresentationImage  = "1.2.840.10008.5.1.4.1.1.1.1"
	EnhancedCTImageStorage        = "1.2.840.10008.5.1.4.1.1.2.1"
	EnhancedMRImageStorage        = "1.2.840.10008.5.1.4.1.1.4.1"
	PositronEmissionTomography    = "1.2.840.10008.5.1.4.1.1.128"
	RTImageStorage                = "1.2.840.10008.5.1.4.1.1.481.1"
	NuclearMedicineImageStorage   = "1.2.840.10008.5.1.4.1.1.20"
	XRayAngiographicImageStorage  = "1.2.840.10008.5.1.4.1.1.12.1"
	BasicTextSRStorage            = "1.2.840.10008.5.1.4.1.1.88.11"
	EncapsulatedPDFStorage        = "1.2.840.10008.5.1.4.1.1.104.1"
)

// StorageSOPClasses lists the storage SOP classes the SCP accepts in
// presentation contexts by default.
var StorageSOPClasses = []string{
	SecondaryCaptureImageStorage,
	CTImageStorage,
	MRImageStorage,
	UltrasoundImageStorage,
	ComputedRadiographyStorage,
	DigitalXRayPresentationImage,
	EnhancedCTImageStorage,
	EnhancedMRImageStorage,
	PositronEmissionTomography,
	RTImageStorage,
	NuclearMedicineImageStorage,
	XRayAngiographicImageStorage,
	BasicTextSRStorage,
	EncapsulatedPDFStorage,
}

var (
	aeTitleRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,16}$`)
	uidRe     = regexp.MustCompile(`^[0-9]+(\.[0-9]+)*$`)
)

// ValidAETitle reports whether s, after trimming, is an acceptable AE title:
// 1..16 characters from [A-Za-z0-9._-].
func ValidAETitle(s string) bool {
	return aeTitleRe.MatchString(strings.TrimSpace(s))
}

// ValidUID reports whether s is a syntactically valid DICOM UID: numeric
// components joined by dots, at most 64 characters.
func ValidUID(s string) bool {
	return len(s) > 0 && len(s) <= 64 && uidRe.MatchString(s)
}

// Implementation identity advertised in file meta and association requests.
const (
	ImplementationClassUID    = "1.2.826.0.1.3680043.10.188.1"
	ImplementationVersionName = "IMGW_1_0"
)
