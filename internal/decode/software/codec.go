package software

import (
	"errors"
	"fmt"
	"image"

	"github.com/y9o/go-openh264"
)

// pictureDecoder decodes one complete H.264 access unit. A nil picture with
// a nil error means the unit produced no output, as parameter sets do.
type pictureDecoder interface {
	decode(au []byte) (*image.YCbCr, error)
	close()
}

type openH264 struct {
	dec  *openh264.ISVCDecoder
	info openh264.SBufferInfo
}

func newOpenH264() (pictureDecoder, error) {
	if openh264.WelsCreateDecoder == nil {
		return nil, errors.New("software: openh264 library not loaded")
	}
	var dec *openh264.ISVCDecoder
	if rc := openh264.WelsCreateDecoder(&dec); rc != 0 || dec == nil {
		return nil, fmt.Errorf("software: WelsCreateDecoder returned %d", rc)
	}

	trace := openh264.WELS_LOG_QUIET
	dec.SetOption(openh264.DECODER_OPTION_TRACE_LEVEL, &trace)
	threads := 0
	dec.SetOption(openh264.DECODER_OPTION_NUM_OF_THREADS, &threads)

	param := openh264.SDecodingParam{
		EEcActiveIdc: openh264.ERROR_CON_SLICE_MV_COPY_CROSS_IDR_FREEZE_RES_CHANGE,
	}
	param.SVideoProperty.EVideoBsType = openh264.VIDEO_BITSTREAM_AVC
	if rc := dec.Initialize(&param); rc != 0 {
		openh264.WelsDestroyDecoder(dec)
		return nil, fmt.Errorf("software: decoder initialize returned %d", rc)
	}
	return &openH264{dec: dec}, nil
}

// recoverable decode states still leave a usable picture or simply need
// more input.
const recoverable = openh264.DsDataErrorConcealed | openh264.DsFramePending

func (o *openH264) decode(au []byte) (*image.YCbCr, error) {
	if len(au) == 0 {
		return nil, nil
	}
	var planes [3][]byte
	o.info = openh264.SBufferInfo{}
	if rc := o.dec.DecodeFrameNoDelay(au, len(au), &planes, &o.info); rc&^recoverable != 0 {
		return nil, fmt.Errorf("software: decode state %#x", rc)
	}
	if o.info.IBufferStatus != 1 || planes[0] == nil {
		return nil, nil
	}
	sys := o.info.UsrData_sSystemBuffer()
	return copyPicture(planes, int(sys.IWidth), int(sys.IHeight), int(sys.IStride[0]), int(sys.IStride[1])), nil
}

func (o *openH264) close() {
	o.dec.Uninitialize()
	openh264.WelsDestroyDecoder(o.dec)
	o.dec = nil
}

// copyPicture copies a strided I420 picture out of decoder-owned memory,
// which is overwritten by the next decode call.
func copyPicture(planes [3][]byte, width, height, yStride, cStride int) *image.YCbCr {
	img := image.NewYCbCr(image.Rect(0, 0, width, height), image.YCbCrSubsampleRatio420)
	for y := 0; y < height && y*yStride+width <= len(planes[0]); y++ {
		copy(img.Y[y*img.YStride:y*img.YStride+width], planes[0][y*yStride:])
	}
	cw := (width + 1) / 2
	for y := 0; y < (height+1)/2; y++ {
		off := y * cStride
		if off+cw > len(planes[1]) || off+cw > len(planes[2]) {
			break
		}
		copy(img.Cb[y*img.CStride:y*img.CStride+cw], planes[1][y*cStride:])
		copy(img.Cr[y*img.CStride:y*img.CStride+cw], planes[2][y*cStride:])
	}
	return img
}
