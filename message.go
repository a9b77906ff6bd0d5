package main

const usageText = `usage:
  detection-server '<json request>'   run one detection and print the JSON response
  detection-server serve              start the HTTP gateway on HOST:PORT
  detection-server fetch-model <name> download a catalog model into MODELS_DIR

request fields:
  image_path            path to the image on disk (required)
  confidence_threshold  minimum score in [0, 1] (default 0.5)
  iou_threshold         NMS overlap in [0, 1] (default 0.45)
  model_name            catalog model (default yolov5s)
  save_annotated        write <stem>.annotated.jpg next to the image (default false)
`

const (
	MsgMissingRequest = "missing request payload; pass the JSON request as the only argument"

	MsgTooManyArgs = "expected a single JSON request argument; quote the payload"

	MsgBodyTooLarge = "request body exceeds the configured size limit"

	MsgBodyUnreadable = "request body could not be read"

	MsgRateLimited = "too many requests, slow down and try again shortly"

	MsgServiceClosing = "service is shutting down"
)
