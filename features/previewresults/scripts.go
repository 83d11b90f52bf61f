package previewresults

// Page scripts. Each is a function expression evaluated by the host.

// installJS appends the dialog once and binds the in-page behaviour:
// closing, click outside, restoring scroll and the "p" hotkey.
const installJS = `(titles) => {
	if (window.__ghpPreview) window.__ghpPreview.uninstall();

	let dialog = document.querySelector('.ghp-preview-dialog');
	if (!dialog) {
		dialog = document.createElement('dialog');
		dialog.className = 'ghp-preview-dialog';
		dialog.innerHTML =
			'<div class="ghp-preview-dialog__header">' +
			'<div class="ghp-preview-dialog__filename"></div>' +
			'<div class="ghp-preview-dialog__actions">' +
			'<button type="button" data-ghp-action="copy"></button>' +
			'<button type="button" data-ghp-action="open"></button>' +
			'<button type="button" class="ghp-preview-dialog__close"></button>' +
			'</div></div>' +
			'<div class="ghp-preview-dialog__content"></div>';
		const [copy, open, close] = dialog.querySelectorAll('button');
		copy.title = copy.textContent = titles.copy;
		open.title = open.textContent = titles.open;
		close.title = close.textContent = titles.close;
		dialog.addEventListener('click', (e) => {
			if (e.target === dialog || e.target.closest('.ghp-preview-dialog__close')) dialog.close();
		});
		dialog.addEventListener('close', () => {
			setTimeout(() => { document.body.style.overflow = 'unset'; }, 500);
		});
		document.body.append(dialog);
	}

	const onKey = (e) => {
		if (e.key !== 'p' || e.ctrlKey || e.metaKey || e.altKey || e.defaultPrevented) return;
		const t = e.target;
		if (t && (t.isContentEditable || /^(INPUT|TEXTAREA|SELECT)$/.test(t.tagName))) return;
		const scope = document.activeElement && document.activeElement.closest('[data-testid="results-list"] > *, .code-list-item');
		const btn = (scope && scope.querySelector('.ghp-preview-btn')) || document.querySelector('.ghp-preview-btn');
		if (btn) { e.preventDefault(); btn.click(); }
	};
	document.addEventListener('keydown', onKey);
	window.__ghpPreview = {
		uninstall() {
			document.removeEventListener('keydown', onKey);
			delete window.__ghpPreview;
		},
	};
	return true;
}`

// uninstallJS drops the hotkey. The dialog stays: it marks the page as
// already augmented.
const uninstallJS = `() => {
	if (window.__ghpPreview) window.__ghpPreview.uninstall();
	return true;
}`

// addButtonJS prepends a preview button next to a result link.
const addButtonJS = `(sel, ref, title) => {
	const link = document.querySelector(sel);
	if (!link || !link.parentNode) return false;
	const btn = document.createElement('a');
	btn.href = '#';
	btn.title = title;
	btn.className = 'ghp-preview-btn';
	btn.dataset.ghpAction = 'preview';
	btn.dataset.ghpPayload = ref;
	btn.innerHTML = '<svg aria-hidden="true" height="16" viewBox="0 0 16 16" width="16"><path d="M0 1.75C0 .784.784 0 1.75 0h12.5C15.216 0 16 .784 16 1.75v12.5A1.75 1.75 0 0 1 14.25 16H1.75A1.75 1.75 0 0 1 0 14.25Zm1.75-.25a.25.25 0 0 0-.25.25v12.5c0 .138.112.25.25.25h12.5a.25.25 0 0 0 .25-.25V1.75a.25.25 0 0 0-.25-.25ZM7.25 8 5.5 6.25 6.56 5.19 9.37 8l-2.81 2.81L5.5 9.75Z"></path></svg>';
	link.parentNode.prepend(btn);
	return true;
}`

// showJS fills the dialog and opens it.
const showJS = `(fileName, html) => {
	const dialog = document.querySelector('.ghp-preview-dialog');
	if (!dialog) return false;
	dialog.querySelector('.ghp-preview-dialog__filename').textContent = fileName;
	const content = dialog.querySelector('.ghp-preview-dialog__content');
	content.innerHTML = '';
	content.innerHTML = html;
	if (!dialog.open) dialog.showModal();
	document.body.style.overflow = 'hidden';
	return true;
}`

// textJS reads what the dialog shows.
const textJS = `() => {
	const el = document.querySelector('.ghp-preview-dialog__content');
	return el ? el.textContent : '';
}`
