package protocol

// Event discriminators.
const (
	EventJoinLobby      = "join_lobby"
	EventSelfConnected  = "self_connected"
	EventUserConnected  = "user_connected"
	EventUserDisconnect = "user_disconnect"

	EventUserPositions         = "user_positions"
	EventObjectMoved           = "object_moved"
	EventObjectGrabbed         = "object_grabbed"
	EventObjectGrabbedResponse = "object_grabbed_response"
	EventObjectReleased        = "object_released"

	EventHighlightingUpdate   = "highlighting_update"
	EventComponentUpdate      = "component_update"
	EventMenuDetached         = "menu_detached"
	EventMenuDetachedResponse = "menu_detached_response"
	EventDetachedMenuClosed   = "detached_menu_closed"
	EventPopupOpened          = "popup_opened"
	EventPopupClosed          = "popup_closed"

	EventChatMessage            = "chat_message"
	EventAnnotationOpened       = "annotation_opened"
	EventAnnotationResponse     = "annotation_response"
	EventAnnotationUpdated      = "annotation_updated"
	EventAnnotationClosed       = "annotation_closed"
	EventAnnotationEdit         = "annotation_edit"
	EventAnnotationEditResponse = "annotation_edit_response"

	EventSpectatingUpdate        = "spectating_update"
	EventVisualizationModeUpdate = "visualization_mode_update"
	EventTimestampUpdate         = "timestamp_update"
	EventKickUser                = "kick_user"
	EventUserMuteUpdate          = "user_mute_update"
	EventPingUpdate              = "ping_update"
)

// Message is one wire message variant. The set is closed: only types in this
// package implement it.
type Message interface {
	Event() string
	check(f fields) error
}

// Request is a message answered by a Response carrying the same nonce.
type Request interface {
	Message
	RequestNonce() Nonce
	SetRequestNonce(Nonce)
}

// Response answers a Request.
type Response interface {
	Message
	ResponseNonce() Nonce
}

// Sender is implemented by messages the relay stamps with the originating
// user before forwarding.
type Sender interface {
	Message
	Sender() string
	SetSender(string)
}

// From carries the sender stamp shared by forwarded messages.
type From struct {
	UserID string `json:"userId,omitempty"`
}

// Sender returns the stamped originating user, empty on outbound messages.
func (f *From) Sender() string { return f.UserID }

// SetSender stamps the originating user.
func (f *From) SetSender(id string) { f.UserID = id }

// Lifecycle.

// JoinLobby asks the relay to place the client in a room. An empty RoomID
// asks for a new room; a Ticket resumes a previous identity.
type JoinLobby struct {
	RoomID     string `json:"roomId,omitempty"`
	Ticket     string `json:"ticket,omitempty"`
	UserName   string `json:"userName"`
	DeviceID   string `json:"deviceId"`
	Position   Vec3   `json:"position"`
	Quaternion Quat   `json:"quaternion"`
}

func (*JoinLobby) Event() string { return EventJoinLobby }

func (*JoinLobby) check(f fields) error {
	return firstErr(
		f.optionalString("roomId"),
		f.optionalString("ticket"),
		f.requireString("userName"),
		f.requireNonEmptyString("deviceId"),
		f.requireVec3("position"),
		f.requireQuat("quaternion"),
	)
}

// SelfConnected confirms the join and carries everything the client must adopt.
type SelfConnected struct {
	RoomID   string       `json:"roomId"`
	Ticket   string       `json:"ticket,omitempty"`
	Self     UserInfo     `json:"self"`
	Users    []RemoteUser `json:"users"`
	Snapshot RoomSnapshot `json:"snapshot"`
}

func (*SelfConnected) Event() string { return EventSelfConnected }

func (*SelfConnected) check(f fields) error {
	return firstErr(
		f.requireNonEmptyString("roomId"),
		f.optionalString("ticket"),
		f.requireObject("self", checkUserInfo),
		f.optionalObjects("users", checkRemoteUser),
		f.requireObject("snapshot", checkSnapshot),
	)
}

// UserConnected announces a participant joining the room.
type UserConnected struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Color      RGB    `json:"color"`
	Position   Vec3   `json:"position"`
	Quaternion Quat   `json:"quaternion"`
}

func (*UserConnected) Event() string { return EventUserConnected }

func (*UserConnected) check(f fields) error {
	return checkRemoteUser(f)
}

// UserDisconnect announces a participant leaving the room.
type UserDisconnect struct {
	ID string `json:"id"`
}

func (*UserDisconnect) Event() string { return EventUserDisconnect }

func (*UserDisconnect) check(f fields) error {
	return f.requireNonEmptyString("id")
}

// Pose and transform.

// UserPositions carries a participant's head and controller poses.
type UserPositions struct {
	From
	Camera      Pose  `json:"camera"`
	Controller1 *Pose `json:"controller1,omitempty"`
	Controller2 *Pose `json:"controller2,omitempty"`
}

func (*UserPositions) Event() string { return EventUserPositions }

func (*UserPositions) check(f fields) error {
	return firstErr(
		f.optionalString("userId"),
		f.requirePose("camera"),
		f.optionalPose("controller1"),
		f.optionalPose("controller2"),
	)
}

// ObjectMoved moves a shared object, typically one the sender grabbed.
type ObjectMoved struct {
	From
	ObjectID   string `json:"objectId"`
	Position   Vec3   `json:"position"`
	Quaternion Quat   `json:"quaternion"`
	Scale      Vec3   `json:"scale"`
}

func (*ObjectMoved) Event() string { return EventObjectMoved }

func (*ObjectMoved) check(f fields) error {
	return firstErr(
		f.optionalString("userId"),
		f.requireNonEmptyString("objectId"),
		f.requireVec3("position"),
		f.requireQuat("quaternion"),
		f.requireVec3("scale"),
	)
}

// ObjectGrabbed asks for exclusive manipulation of an object.
type ObjectGrabbed struct {
	Nonce    Nonce  `json:"nonce"`
	ObjectID string `json:"objectId"`
}

func (*ObjectGrabbed) Event() string { return EventObjectGrabbed }
func (m *ObjectGrabbed) RequestNonce() Nonce { return m.Nonce }
func (m *ObjectGrabbed) SetRequestNonce(n Nonce) { m.Nonce = n }

func (*ObjectGrabbed) check(f fields) error {
	return firstErr(
		f.requireNonEmptyString("nonce"),
		f.requireNonEmptyString("objectId"),
	)
}

// ObjectGrabbedResponse answers ObjectGrabbed.
type ObjectGrabbedResponse struct {
	Nonce     Nonce `json:"nonce"`
	IsSuccess bool  `json:"isSuccess"`
}

func (*ObjectGrabbedResponse) Event() string { return EventObjectGrabbedResponse }
func (m *ObjectGrabbedResponse) ResponseNonce() Nonce { return m.Nonce }

func (*ObjectGrabbedResponse) check(f fields) error {
	return firstErr(
		f.requireNonEmptyString("nonce"),
		f.requireBool("isSuccess"),
	)
}

// ObjectReleased gives up a grab.
type ObjectReleased struct {
	From
	ObjectID string `json:"objectId"`
}

func (*ObjectReleased) Event() string { return EventObjectReleased }

func (*ObjectReleased) check(f fields) error {
	return firstErr(
		f.optionalString("userId"),
		f.requireNonEmptyString("objectId"),
	)
}

// Entity state.

// HighlightingUpdate sets the sender's highlight on each listed entity.
type HighlightingUpdate struct {
	From
	EntityIDs      []string `json:"entityIds"`
	EntityType     string   `json:"entityType,omitempty"`
	AreHighlighted bool     `json:"areHighlighted"`
	Color          *RGB     `json:"color,omitempty"`
}

func (*HighlightingUpdate) Event() string { return EventHighlightingUpdate }

func (*HighlightingUpdate) check(f fields) error {
	return firstErr(
		f.optionalString("userId"),
		f.requireStrings("entityIds"),
		f.optionalString("entityType"),
		f.requireBool("areHighlighted"),
		f.optionalColor("color"),
	)
}

// ComponentUpdate opens or closes components.
type ComponentUpdate struct {
	From
	ComponentIDs []string `json:"componentIds"`
	AreOpened    bool     `json:"areOpened"`
}

func (*ComponentUpdate) Event() string { return EventComponentUpdate }

func (*ComponentUpdate) check(f fields) error {
	return firstErr(
		f.optionalString("userId"),
		f.requireStrings("componentIds"),
		f.requireBool("areOpened"),
	)
}

// MenuDetached detaches an entity's menu into free space. Outbound it is a
// request without ObjectID; forwarded copies carry the assigned ObjectID.
type MenuDetached struct {
	From
	Nonce      Nonce  `json:"nonce,omitempty"`
	ObjectID   string `json:"objectId,omitempty"`
	EntityID   string `json:"entityId"`
	EntityType string `json:"entityType"`
	Position   Vec3   `json:"position"`
	Quaternion Quat   `json:"quaternion"`
	Scale      Vec3   `json:"scale"`
}

func (*MenuDetached) Event() string { return EventMenuDetached }
func (m *MenuDetached) RequestNonce() Nonce { return m.Nonce }
func (m *MenuDetached) SetRequestNonce(n Nonce) { m.Nonce = n }

func (*MenuDetached) check(f fields) error {
	return firstErr(
		f.optionalString("userId"),
		f.optionalString("nonce"),
		f.optionalString("objectId"),
		f.requireNonEmptyString("entityId"),
		f.requireString("entityType"),
		f.requireVec3("position"),
		f.requireQuat("quaternion"),
		f.requireVec3("scale"),
	)
}

// MenuDetachedResponse carries the relay-assigned id of a detached menu.
type MenuDetachedResponse struct {
	Nonce    Nonce  `json:"nonce"`
	ObjectID string `json:"objectId"`
}

func (*MenuDetachedResponse) Event() string { return EventMenuDetachedResponse }
func (m *MenuDetachedResponse) ResponseNonce() Nonce { return m.Nonce }

func (*MenuDetachedResponse) check(f fields) error {
	return firstErr(
		f.requireNonEmptyString("nonce"),
		f.requireNonEmptyString("objectId"),
	)
}

// DetachedMenuClosed closes a detached menu.
type DetachedMenuClosed struct {
	From
	MenuID string `json:"menuId"`
}

func (*DetachedMenuClosed) Event() string { return EventDetachedMenuClosed }

func (*DetachedMenuClosed) check(f fields) error {
	return firstErr(
		f.optionalString("userId"),
		f.requireNonEmptyString("menuId"),
	)
}

// PopupOpened pins an info popup for an entity.
type PopupOpened struct {
	From
	MenuID   string `json:"menuId"`
	EntityID string `json:"entityId"`
	Position *Vec3  `json:"position,omitempty"`
}

func (*PopupOpened) Event() string { return EventPopupOpened }

func (*PopupOpened) check(f fields) error {
	return firstErr(
		f.optionalString("userId"),
		f.requireNonEmptyString("menuId"),
		f.requireNonEmptyString("entityId"),
		f.optionalVec3("position"),
	)
}

// PopupClosed unpins a popup.
type PopupClosed struct {
	From
	MenuID string `json:"menuId"`
}

func (*PopupClosed) Event() string { return EventPopupClosed }

func (*PopupClosed) check(f fields) error {
	return firstErr(
		f.optionalString("userId"),
		f.requireNonEmptyString("menuId"),
	)
}

// Collaboration content.

// ChatMessage is one line of room chat. IsEvent marks system notices.
type ChatMessage struct {
	From
	MsgID     string `json:"msgId,omitempty"`
	UserName  string `json:"userName,omitempty"`
	Msg       string `json:"msg"`
	Timestamp int64  `json:"timestamp"`
	IsEvent   bool   `json:"isEvent,omitempty"`
}

func (*ChatMessage) Event() string { return EventChatMessage }

func (*ChatMessage) check(f fields) error {
	return firstErr(
		f.optionalString("userId"),
		f.optionalString("msgId"),
		f.optionalString("userName"),
		f.requireString("msg"),
		f.requireNumber("timestamp"),
		f.optionalBool("isEvent"),
	)
}

// AnnotationOpened creates an annotation. Outbound it is a request without
// ObjectID; forwarded copies carry the assigned ObjectID.
type AnnotationOpened struct {
	From
	Nonce      Nonce  `json:"nonce,omitempty"`
	ObjectID   string `json:"objectId,omitempty"`
	EntityID   string `json:"entityId,omitempty"`
	MenuID     string `json:"menuId,omitempty"`
	Title      string `json:"title"`
	Text       string `json:"text"`
	Owner      string `json:"owner"`
	LastEditor string `json:"lastEditor,omitempty"`
}

func (*AnnotationOpened) Event() string { return EventAnnotationOpened }
func (m *AnnotationOpened) RequestNonce() Nonce { return m.Nonce }
func (m *AnnotationOpened) SetRequestNonce(n Nonce) { m.Nonce = n }

func (*AnnotationOpened) check(f fields) error {
	return firstErr(
		f.optionalString("userId"),
		f.optionalString("nonce"),
		f.optionalString("objectId"),
		f.optionalString("entityId"),
		f.optionalString("menuId"),
		requireAnchor(f),
		f.requireString("title"),
		f.requireString("text"),
		f.requireString("owner"),
		f.optionalString("lastEditor"),
	)
}

// AnnotationResponse carries the relay-assigned id of a new annotation.
type AnnotationResponse struct {
	Nonce    Nonce  `json:"nonce"`
	ObjectID string `json:"objectId"`
}

func (*AnnotationResponse) Event() string { return EventAnnotationResponse }
func (m *AnnotationResponse) ResponseNonce() Nonce { return m.Nonce }

func (*AnnotationResponse) check(f fields) error {
	return firstErr(
		f.requireNonEmptyString("nonce"),
		f.requireNonEmptyString("objectId"),
	)
}

// AnnotationUpdated replaces an annotation's content and releases the
// sender's edit lock.
type AnnotationUpdated struct {
	From
	ObjectID   string `json:"objectId"`
	Title      string `json:"title"`
	Text       string `json:"text"`
	LastEditor string `json:"lastEditor"`
}

func (*AnnotationUpdated) Event() string { return EventAnnotationUpdated }

func (*AnnotationUpdated) check(f fields) error {
	return firstErr(
		f.optionalString("userId"),
		f.requireNonEmptyString("objectId"),
		f.requireString("title"),
		f.requireString("text"),
		f.requireString("lastEditor"),
	)
}

// AnnotationClosed removes an annotation.
type AnnotationClosed struct {
	From
	ObjectID string `json:"objectId"`
}

func (*AnnotationClosed) Event() string { return EventAnnotationClosed }

func (*AnnotationClosed) check(f fields) error {
	return firstErr(
		f.optionalString("userId"),
		f.requireNonEmptyString("objectId"),
	)
}

// AnnotationEdit requests the edit lock. Forwarded copies tell peers who
// holds it.
type AnnotationEdit struct {
	From
	Nonce    Nonce  `json:"nonce,omitempty"`
	ObjectID string `json:"objectId"`
}

func (*AnnotationEdit) Event() string { return EventAnnotationEdit }
func (m *AnnotationEdit) RequestNonce() Nonce { return m.Nonce }
func (m *AnnotationEdit) SetRequestNonce(n Nonce) { m.Nonce = n }

func (*AnnotationEdit) check(f fields) error {
	return firstErr(
		f.optionalString("userId"),
		f.optionalString("nonce"),
		f.requireNonEmptyString("objectId"),
	)
}

// AnnotationEditResponse answers AnnotationEdit.
type AnnotationEditResponse struct {
	Nonce      Nonce  `json:"nonce"`
	ObjectID   string `json:"objectId"`
	IsEditable bool   `json:"isEditable"`
}

func (*AnnotationEditResponse) Event() string { return EventAnnotationEditResponse }
func (m *AnnotationEditResponse) ResponseNonce() Nonce { return m.Nonce }

func (*AnnotationEditResponse) check(f fields) error {
	return firstErr(
		f.requireNonEmptyString("nonce"),
		f.requireNonEmptyString("objectId"),
		f.requireBool("isEditable"),
	)
}

// Control.

// SpectatingUpdate starts following SpectatedUserID, or stops when it is nil.
type SpectatingUpdate struct {
	From
	SpectatedUserID *string `json:"spectatedUserId"`
	ConfigurationID string  `json:"configurationId,omitempty"`
}

func (*SpectatingUpdate) Event() string { return EventSpectatingUpdate }

func (*SpectatingUpdate) check(f fields) error {
	return firstErr(
		f.optionalString("userId"),
		f.nullableString("spectatedUserId"),
		f.optionalString("configurationId"),
	)
}

// VisualizationModeUpdate switches the room between display modes.
type VisualizationModeUpdate struct {
	From
	Mode string `json:"mode"`
}

func (*VisualizationModeUpdate) Event() string { return EventVisualizationModeUpdate }

func (*VisualizationModeUpdate) check(f fields) error {
	return firstErr(
		f.optionalString("userId"),
		f.requireNonEmptyString("mode"),
	)
}

// TimestampUpdate moves the room's landscape to another point in time.
type TimestampUpdate struct {
	From
	Timestamp int64 `json:"timestamp"`
}

func (*TimestampUpdate) Event() string { return EventTimestampUpdate }

func (*TimestampUpdate) check(f fields) error {
	return firstErr(
		f.optionalString("userId"),
		f.requireNumber("timestamp"),
	)
}

// KickUser removes UserID from the room.
type KickUser struct {
	UserID string `json:"userId"`
}

func (*KickUser) Event() string { return EventKickUser }

func (*KickUser) check(f fields) error {
	return f.requireNonEmptyString("userId")
}

// UserMuteUpdate mutes or unmutes UserID.
type UserMuteUpdate struct {
	UserID  string `json:"userId"`
	IsMuted bool   `json:"isMuted"`
}

func (*UserMuteUpdate) Event() string { return EventUserMuteUpdate }

func (*UserMuteUpdate) check(f fields) error {
	return firstErr(
		f.requireNonEmptyString("userId"),
		f.requireBool("isMuted"),
	)
}

// PingUpdate is a transient pointer ping at a position.
type PingUpdate struct {
	From
	EntityID   string `json:"entityId,omitempty"`
	Position   Vec3   `json:"position"`
	DurationMs int64  `json:"durationMs"`
}

func (*PingUpdate) Event() string { return EventPingUpdate }

func (*PingUpdate) check(f fields) error {
	return firstErr(
		f.optionalString("userId"),
		f.optionalString("entityId"),
		f.requireVec3("position"),
		f.requireNumber("durationMs"),
	)
}

// Nested shapes.

func checkUserInfo(f fields) error {
	return firstErr(
		f.requireNonEmptyString("id"),
		f.requireString("name"),
		f.requireColor("color"),
	)
}

func checkRemoteUser(f fields) error {
	return firstErr(
		checkUserInfo(f),
		f.requireVec3("position"),
		f.requireQuat("quaternion"),
		f.optionalBool("isMuted"),
	)
}

func checkSnapshot(f fields) error {
	return firstErr(
		f.requireObject("landscape", checkLandscape),
		f.optionalStrings("openComponents"),
		f.optionalStrings("closedComponents"),
		f.optionalObjects("highlights", checkHighlight),
		f.optionalObjects("detachedMenus", checkDetachedMenu),
		f.optionalObjects("annotations", checkAnnotation),
		f.optionalObjects("spectating", checkSpectateLink),
	)
}

func checkLandscape(f fields) error {
	return firstErr(
		f.requireString("landscapeToken"),
		f.requireNumber("timestamp"),
	)
}

func checkHighlight(f fields) error {
	return firstErr(
		f.requireNonEmptyString("userId"),
		f.requireNonEmptyString("entityId"),
		f.requireString("entityType"),
		f.requireBool("isHighlighted"),
		f.requireColor("color"),
	)
}

func checkDetachedMenu(f fields) error {
	return firstErr(
		f.requireNonEmptyString("objectId"),
		f.requireNonEmptyString("userId"),
		f.requireNonEmptyString("entityId"),
		f.requireString("entityType"),
		f.requireVec3("position"),
		f.requireQuat("quaternion"),
		f.requireVec3("scale"),
	)
}

func checkAnnotation(f fields) error {
	return firstErr(
		f.requireNonEmptyString("objectId"),
		f.optionalString("entityId"),
		f.optionalString("menuId"),
		requireAnchor(f),
		f.requireString("title"),
		f.requireString("text"),
		f.requireString("owner"),
		f.requireString("lastEditor"),
	)
}

func checkSpectateLink(f fields) error {
	return firstErr(
		f.requireNonEmptyString("spectatingUserId"),
		f.requireNonEmptyString("spectatedUserId"),
		f.optionalString("configurationId"),
	)
}

// requireAnchor enforces that an annotation hangs off an entity or a menu.
func requireAnchor(f fields) error {
	if f.requireNonEmptyString("entityId") == nil || f.requireNonEmptyString("menuId") == nil {
		return nil
	}
	return f.fail("entityId", "annotation needs entityId or menuId")
}
